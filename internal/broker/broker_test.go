package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfApplyDefaults(t *testing.T) {
	t.Parallel()

	c := Conf{Host: "mq", User: "u", Password: "p", Queue: "files"}
	c.ApplyDefaults()

	assert.Equal(t, 5672, c.Port)
	assert.Equal(t, "/", c.Vhost)
	assert.Equal(t, "error", c.RoutingError)
	assert.Equal(t, 1, c.PrefetchCount)

	ssl := Conf{Host: "mq", User: "u", Password: "p", Queue: "files", SSL: true}
	ssl.ApplyDefaults()

	assert.Equal(t, 5671, ssl.Port)
}

func TestConfValidate(t *testing.T) {
	t.Parallel()

	valid := Conf{Host: "mq", Port: 5672, User: "u", Password: "p", Queue: "files"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Conf)
	}{
		{"missing host", func(c *Conf) { c.Host = "" }},
		{"port zero", func(c *Conf) { c.Port = 0 }},
		{"port out of range", func(c *Conf) { c.Port = 70000 }},
		{"missing user", func(c *Conf) { c.User = "" }},
		{"missing password", func(c *Conf) { c.Password = "" }},
		{"missing queue", func(c *Conf) { c.Queue = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := valid
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfURIRoundTrip(t *testing.T) {
	t.Parallel()

	c := Conf{
		Host:     "mq.example.org",
		Port:     5672,
		User:     "lega",
		Password: "p@ss/word",
		Vhost:    "seqvault",
		Queue:    "files",
	}

	parsed, err := amqp.ParseURI(c.uri())
	require.NoError(t, err)

	assert.Equal(t, "amqp", parsed.Scheme)
	assert.Equal(t, "mq.example.org", parsed.Host)
	assert.Equal(t, 5672, parsed.Port)
	assert.Equal(t, "lega", parsed.Username)
	assert.Equal(t, "p@ss/word", parsed.Password)
	assert.Equal(t, "seqvault", parsed.Vhost)
}

func TestConfURIDefaultVhost(t *testing.T) {
	t.Parallel()

	c := Conf{Host: "mq", Port: 5671, User: "u", Password: "p", Vhost: "/", SSL: true}

	parsed, err := amqp.ParseURI(c.uri())
	require.NoError(t, err)

	assert.Equal(t, "amqps", parsed.Scheme)
	assert.Equal(t, 5671, parsed.Port)
	assert.Equal(t, "/", parsed.Vhost)
}

// writeTestCertPair writes a self-signed certificate and its key under
// dir and returns their paths.
func writeTestCertPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "broker-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	return certPath, keyPath
}

func TestTLSConfigSkipVerify(t *testing.T) {
	t.Parallel()

	cfg, err := tlsConfigFor(Conf{SSL: true})
	require.NoError(t, err)

	assert.True(t, cfg.InsecureSkipVerify)
	assert.Empty(t, cfg.Certificates)
}

func TestTLSConfigVerifyPeerWithClientPair(t *testing.T) {
	t.Parallel()

	certPath, keyPath := writeTestCertPair(t, t.TempDir())

	cfg, err := tlsConfigFor(Conf{
		SSL:        true,
		VerifyPeer: true,
		CACert:     certPath,
		ClientCert: certPath,
		ClientKey:  keyPath,
		ServerName: "mq.internal",
	})
	require.NoError(t, err)

	assert.False(t, cfg.InsecureSkipVerify)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "mq.internal", cfg.ServerName)
	assert.NotNil(t, cfg.RootCAs)
}

func TestTLSConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	_, err := tlsConfigFor(Conf{SSL: true, CACert: filepath.Join(dir, "missing.pem")})
	assert.Error(t, err)

	_, err = tlsConfigFor(Conf{SSL: true, CACert: garbage})
	assert.ErrorContains(t, err, "no usable certificates")

	_, err = tlsConfigFor(Conf{
		SSL:        true,
		VerifyPeer: true,
		ClientCert: filepath.Join(dir, "missing.pem"),
		ClientKey:  filepath.Join(dir, "missing.key"),
	})
	assert.Error(t, err)
}

// fakeAcker records how a delivery was settled.
type fakeAcker struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeue = requeue

	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.requeue = requeue

	return nil
}

func TestDispatchRejectsOnHandlerError(t *testing.T) {
	t.Parallel()

	mq := &MQ{conf: Conf{Exchange: "seqvault"}}
	acker := &fakeAcker{}
	delivered := &amqp.Delivery{Acknowledger: acker, Body: []byte(`{}`)}

	mq.dispatch(context.Background(), delivered, "archived", func(ctx context.Context, body []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeue)
}

func TestDispatchAcksWithoutReply(t *testing.T) {
	t.Parallel()

	mq := &MQ{conf: Conf{Exchange: "seqvault"}}
	acker := &fakeAcker{}
	delivered := &amqp.Delivery{Acknowledger: acker, Body: []byte(`{"user":"alice"}`)}

	var got []byte
	mq.dispatch(context.Background(), delivered, "archived", func(ctx context.Context, body []byte) ([]byte, error) {
		got = body

		return nil, nil
	})

	assert.JSONEq(t, `{"user":"alice"}`, string(got))
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.nacks)
}

func TestDispatchAcksReplyWithoutRoutingKey(t *testing.T) {
	t.Parallel()

	mq := &MQ{conf: Conf{Exchange: "seqvault"}}
	acker := &fakeAcker{}
	delivered := &amqp.Delivery{Acknowledger: acker, Body: []byte(`{}`)}

	mq.dispatch(context.Background(), delivered, "", func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte(`{"done":true}`), nil
	})

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.nacks)
}
