package server

import (
	"encoding/json"
	"net/url"
)

type serverConfig struct {
	HostName        string `json:"host"`
	Certificate     string `json:"certificate"`
	PrivateKey      string `json:"privatekey"`
	Port            int    `json:"port"`
	AcceptAll       bool   `json:"accept_all"` // for debugging
	ReceiveUnsigned bool   `json:"receive_unsigned"`
	Database        string `json:"database"`
}

func (s serverConfig) useTLS() bool {
	return s.Certificate != "" && s.PrivateKey != ""
}

type botConfig struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	DisplayName string `json:"displayName"`
	Summary     string `json:"summary,omitempty"`
	FeedURL     string `json:"feed,omitempty"`
	FeedMinutes int    `json:"feedMinutes,omitempty"`
}

type Config struct {
	URL    string       `json:"url"` // public-facing URL
	Server serverConfig `json:"server"`
	Bots   []botConfig  `json:"bots"`
}

func (c Config) PublicHost() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

func ReadConfig(b []byte) (config Config, err error) {
	if uErr := json.Unmarshal(b, &config); uErr != nil {
		return config, uErr
	}
	return config, nil
}
