// keygen mints the ECDSA P-256 keypair used to sign reputation proofs.
// The private key PEM goes to the server (PROOF_PRIVATE_KEY); the public
// key PEM is what federated peers use to verify proofs.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log"
	"os"
)

func main() {
	var (
		privPath = flag.String("priv", "proof_key.pem", "output path for the private key PEM")
		pubPath  = flag.String("pub", "proof_key.pub.pem", "output path for the public key PEM")
	)
	flag.Parse()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		log.Fatalf("marshal private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		log.Fatalf("marshal public key: %v", err)
	}

	if err := writePEM(*privPath, "EC PRIVATE KEY", privDER, 0o600); err != nil {
		log.Fatalf("write private key: %v", err)
	}
	if err := writePEM(*pubPath, "PUBLIC KEY", pubDER, 0o644); err != nil {
		log.Fatalf("write public key: %v", err)
	}
	log.Printf("wrote %s and %s", *privPath, *pubPath)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
