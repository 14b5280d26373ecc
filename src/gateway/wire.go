package gateway

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/overpassnet/overpass/src/keys"
)

// Frame types. Each frame on the wire is a type byte followed by the
// canonical-JSON encoded body.
const (
	frameHello    uint8 = 0x01
	frameHelloAck uint8 = 0x02
	frameTx       uint8 = 0x03
)

// Hello authenticates a relay session. The gateway verifies the signature
// over the session digest against the advertised public key.
type Hello struct {
	PubKey    string
	Timestamp int64
	Version   string
	Signature string
}

// HelloAck is the gateway's response to a Hello.
type HelloAck struct {
	Accepted bool
	Error    string
}

// TxMessage is a transaction pushed by the gateway to the relay.
type TxMessage struct {
	Signature string
	Blockhash string
	Payload   []byte
}

// helloDigest is the byte string signed by the relay identity.
func helloDigest(pubKey string, timestamp int64) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", pubKey, timestamp)))
	return sum[:]
}

// signHello builds a Hello for the given identity.
func signHello(key *ecdsa.PrivateKey, timestamp int64, version string) (*Hello, error) {
	pub := keys.PublicKeyHex(&key.PublicKey)

	r, s, err := keys.Sign(key, helloDigest(pub, timestamp))
	if err != nil {
		return nil, err
	}

	return &Hello{
		PubKey:    pub,
		Timestamp: timestamp,
		Version:   version,
		Signature: keys.EncodeSignature(r, s),
	}, nil
}

// VerifyHello checks a Hello's signature. It is used by gateway-side test
// doubles and exported for operators embedding the wire format.
func VerifyHello(hello *Hello) error {
	raw, err := hex.DecodeString(hello.PubKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %v", err)
	}

	pub := keys.ToPublicKey(raw)
	if pub == nil || pub.X == nil {
		return fmt.Errorf("invalid public key")
	}

	r, s, err := keys.DecodeSignature(hello.Signature)
	if err != nil {
		return err
	}

	if !keys.Verify(pub, helloDigest(hello.PubKey, hello.Timestamp), r, s) {
		return fmt.Errorf("invalid hello signature")
	}

	return nil
}

func newJsonHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}
