package storage

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"gorm.io/gorm"
)

// SystemUser is the reserved identity the server itself signs with when
// no local actor is acting.
const SystemUser = "system"

// Keys hands out the RSA keypair for a local username, generating and
// persisting one on first access.
type Keys interface {
	GetPublicKey(username string) (pem string, err error)
	GetPrivateKey(username string) (*rsa.PrivateKey, error)
}

// keyRow is the gorm model for a stored keypair
type keyRow struct {
	Username   string `gorm:"primaryKey"`
	PublicPEM  string
	PrivatePEM string
}

func (s *sqliteDatabase) GetPublicKey(username string) (string, error) {
	row, err := s.loadOrCreateKey(username)
	if err != nil {
		return "", err
	}
	return row.PublicPEM, nil
}

func (s *sqliteDatabase) GetPrivateKey(username string) (*rsa.PrivateKey, error) {
	row, err := s.loadOrCreateKey(username)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(row.PrivatePEM))
	if block == nil {
		return nil, fmt.Errorf("stored private key for [%s] is not PEM", username)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key for [%s]: %w", username, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored key for [%s] is not RSA", username)
	}
	return rsaKey, nil
}

func (s *sqliteDatabase) loadOrCreateKey(username string) (*keyRow, error) {
	s.keyLock.Lock()
	defer s.keyLock.Unlock()

	var row keyRow
	tx := s.db.First(&row, keyRow{Username: username})
	if tx.Error == nil {
		return &row, nil
	} else if tx.Error != gorm.ErrRecordNotFound {
		return nil, tx.Error
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating keypair for [%s]: %w", username, err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	row = keyRow{
		Username:   username,
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}
	if tx := s.db.Create(&row); tx.Error != nil {
		return nil, fmt.Errorf("storing keypair for [%s]: %w", username, tx.Error)
	}
	return &row, nil
}
