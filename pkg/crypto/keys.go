// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package crypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/utils/fs"
)

// KeyType enumerates supported private key algorithms.
type KeyType string

const (
	KeyTypeRSA     KeyType = "RSA"
	KeyTypeEC      KeyType = "EC"
	KeyTypeEd25519 KeyType = "Ed25519"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
	pemTypePKCS8       = "PRIVATE KEY"
	pemTypePKCS1       = "RSA PRIVATE KEY"
	pemTypeEC          = "EC PRIVATE KEY"
	pemTypeEncrypted   = "ENCRYPTED PRIVATE KEY"
)

// KeySpec describes the key to generate. Bits applies to RSA (default 2048),
// Curve to EC (P-256, P-384, P-521; default P-256).
type KeySpec struct {
	Type  KeyType
	Bits  int
	Curve string
}

// KeyInfo reports what was generated.
type KeyInfo struct {
	Type      KeyType
	Bits      int
	Curve     string
	Encrypted bool
}

// GenerateKey creates a private key per spec and writes it PEM-encoded to
// keyPath (PKCS#8). A non-empty passphrase encrypts the PEM block.
func (p *Provider) GenerateKey(ctx context.Context, keyPath string, spec KeySpec, passphrase string) (KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return KeyInfo{}, err
	}

	var (
		signer crypto.Signer
		info   = KeyInfo{Type: spec.Type}
		err    error
	)
	switch spec.Type {
	case KeyTypeRSA:
		bits := spec.Bits
		if bits == 0 {
			bits = 2048
		}
		if bits < 2048 {
			return KeyInfo{}, errdefs.BadInputf("RSA key size %d below 2048", bits)
		}
		signer, err = rsa.GenerateKey(cryptorand.Reader, bits)
		info.Bits = bits
	case KeyTypeEC:
		curve, cerr := curveByName(spec.Curve)
		if cerr != nil {
			return KeyInfo{}, cerr
		}
		signer, err = ecdsa.GenerateKey(curve, cryptorand.Reader)
		info.Curve = curve.Params().Name
		info.Bits = curve.Params().BitSize
	case KeyTypeEd25519:
		_, signer, err = ed25519.GenerateKey(cryptorand.Reader)
		info.Bits = 256
	default:
		return KeyInfo{}, errdefs.BadInputf("unsupported key type %q", spec.Type)
	}
	if err != nil {
		return KeyInfo{}, errdefs.CryptoError(errors.Wrap(err, "unable to generate the private key"))
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return KeyInfo{}, errdefs.CryptoError(errors.WithStack(err))
	}

	block := &pem.Block{Type: pemTypePKCS8, Bytes: der}
	if passphrase != "" {
		block, err = x509.EncryptPEMBlock(cryptorand.Reader, pemTypePKCS8, der, []byte(passphrase), x509.PEMCipherAES256) //nolint:staticcheck
		if err != nil {
			return KeyInfo{}, errdefs.CryptoError(errors.WithStack(err))
		}
		info.Encrypted = true
	}

	if err := fs.AtomicWrite(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return KeyInfo{}, errdefs.IOError(err)
	}
	return info, nil
}

// IsKeyEncrypted reports whether the PEM private key at keyPath is encrypted.
func (p *Provider) IsKeyEncrypted(keyPath string) (bool, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return false, errdefs.IOError(errors.WithStack(err))
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false, errdefs.BadInputf("%s holds no PEM data", keyPath)
	}
	if block.Type == pemTypeEncrypted {
		return true, nil
	}
	return x509.IsEncryptedPEMBlock(block), nil //nolint:staticcheck
}

// LoadSigner reads and decrypts the private key at keyPath. A wrong or
// missing passphrase for an encrypted key yields a WrongPassphrase error.
func (p *Provider) LoadSigner(keyPath, passphrase string) (crypto.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errdefs.IOError(errors.WithStack(err))
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errdefs.BadInputf("%s holds no PEM data", keyPath)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if passphrase == "" {
			return nil, errdefs.WrongPassphrase(errors.Errorf("key %s is encrypted and no passphrase was provided", keyPath))
		}
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			if errors.Is(err, x509.IncorrectPasswordError) {
				return nil, errdefs.WrongPassphrase(errors.WithStack(err))
			}
			return nil, errdefs.CryptoError(errors.WithStack(err))
		}
	}

	return parsePrivateKeyDER(block.Type, der)
}

func parsePrivateKeyDER(pemType string, der []byte) (crypto.Signer, error) {
	switch pemType {
	case pemTypePKCS1:
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, errdefs.CryptoError(errors.WithStack(err))
		}
		return key, nil
	case pemTypeEC:
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, errdefs.CryptoError(errors.WithStack(err))
		}
		return key, nil
	default:
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, errdefs.CryptoError(errors.WithStack(err))
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errdefs.CryptoError(errors.Errorf("parsed key of type %T cannot sign", key))
		}
		return signer, nil
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "", "P-256", "P256", "prime256v1":
		return elliptic.P256(), nil
	case "P-384", "P384", "secp384r1":
		return elliptic.P384(), nil
	case "P-521", "P521", "secp521r1":
		return elliptic.P521(), nil
	default:
		return nil, errdefs.BadInputf("unsupported curve %q", name)
	}
}

// keyTypeOf classifies a parsed public key.
func keyTypeOf(pub interface{}) (KeyType, int, string) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyTypeRSA, k.N.BitLen(), ""
	case *ecdsa.PublicKey:
		return KeyTypeEC, k.Curve.Params().BitSize, k.Curve.Params().Name
	case ed25519.PublicKey:
		return KeyTypeEd25519, 256, ""
	default:
		return "", 0, ""
	}
}
