package gateway

import (
	"bytes"
	"testing"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/overpassnet/overpass/src/keys"
)

func TestHelloSignVerify(t *testing.T) {
	key, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	hello, err := signHello(key, time.Now().Unix(), "0.1.0")
	if err != nil {
		t.Fatal(err)
	}

	if hello.PubKey != keys.PublicKeyHex(&key.PublicKey) {
		t.Fatal("hello should advertise the signing identity")
	}

	if err := VerifyHello(hello); err != nil {
		t.Fatalf("hello should verify: %v", err)
	}
}

func TestHelloVerifyRejectsTampering(t *testing.T) {
	key, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	hello, err := signHello(key, time.Now().Unix(), "0.1.0")
	if err != nil {
		t.Fatal(err)
	}

	tampered := *hello
	tampered.Timestamp++
	if err := VerifyHello(&tampered); err == nil {
		t.Fatal("a tampered timestamp should not verify")
	}

	other, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	stolen := *hello
	stolen.PubKey = keys.PublicKeyHex(&other.PublicKey)
	if err := VerifyHello(&stolen); err == nil {
		t.Fatal("a swapped identity should not verify")
	}

	garbage := *hello
	garbage.PubKey = "zz not hex"
	if err := VerifyHello(&garbage); err == nil {
		t.Fatal("a garbage identity should not verify")
	}
}

func TestTxMessageRoundTrip(t *testing.T) {
	msg := TxMessage{
		Signature: "sig1",
		Blockhash: "bh1",
		Payload:   []byte("raw transaction bytes"),
	}

	// Frames travel through the session's streaming codec.
	b := new(bytes.Buffer)
	if err := codec.NewEncoder(b, newJsonHandle()).Encode(&msg); err != nil {
		t.Fatal(err)
	}

	decoded := TxMessage{}
	if err := codec.NewDecoder(b, newJsonHandle()).Decode(&decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Signature != msg.Signature || decoded.Blockhash != msg.Blockhash {
		t.Fatal("decoded message does not match")
	}
	if string(decoded.Payload) != string(msg.Payload) {
		t.Fatal("decoded payload does not match")
	}
}
