package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	b := []byte(`
	{
		"url": "https://testhost",
		"server": {
		  "host": "testhost",
		  "certificate": "testcert",
		  "privatekey": "testkey",
		  "port": 234,
		  "accept_all": true,
		  "receive_unsigned": true,
		  "database": "test.db"
		},
		"bots": [
		  {
			"name": "testbot",
			"type": "testtype",
			"displayName": "testdisplayname",
			"summary": "testsummary",
			"feed": "testurl",
			"feedMinutes": 15
		  }
		]
	  }`)
	cfg, err := ReadConfig(b)
	require.NoError(t, err)

	expected := Config{
		URL: "https://testhost",
		Server: serverConfig{
			HostName:        "testhost",
			Certificate:     "testcert",
			PrivateKey:      "testkey",
			Port:            234,
			AcceptAll:       true,
			ReceiveUnsigned: true,
			Database:        "test.db",
		},
		Bots: []botConfig{
			{
				Name:        "testbot",
				Type:        "testtype",
				DisplayName: "testdisplayname",
				Summary:     "testsummary",
				FeedURL:     "testurl",
				FeedMinutes: 15,
			},
		},
	}
	assert.Equal(t, expected, cfg)
	assert.Equal(t, "testhost", cfg.PublicHost())
}
