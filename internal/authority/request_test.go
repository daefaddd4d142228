package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMessage(t *testing.T) {
	msg := RequestMessage("post", "/api/v1/listings", "1767225600", []byte(`{}`))
	assert.Equal(t,
		"POST\n/api/v1/listings\n1767225600\n44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
		string(msg))
}

func TestSignAndVerifyRequest(t *testing.T) {
	kp := MustGenerateKeypair()
	body := []byte(`{"asset":"x","price":10}`)
	sig := kp.SignRequest("POST", "/api/v1/listings", "100", body)

	c, err := VerifyRequest(kp.Address(), "POST", "/api/v1/listings", "100", body, sig)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), c.Address())

	cases := map[string]func() error{
		"tampered body": func() error {
			_, err := VerifyRequest(kp.Address(), "POST", "/api/v1/listings", "100", []byte(`{"price":1}`), sig)
			return err
		},
		"other path": func() error {
			_, err := VerifyRequest(kp.Address(), "POST", "/api/v1/faucet", "100", body, sig)
			return err
		},
		"other timestamp": func() error {
			_, err := VerifyRequest(kp.Address(), "POST", "/api/v1/listings", "101", body, sig)
			return err
		},
		"other signer": func() error {
			_, err := VerifyRequest(MustGenerateKeypair().Address(), "POST", "/api/v1/listings", "100", body, sig)
			return err
		},
		"not base58": func() error {
			_, err := VerifyRequest(kp.Address(), "POST", "/api/v1/listings", "100", body, "0OIl")
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrInvalidSignature)
		})
	}
}
