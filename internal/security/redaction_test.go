package security_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/portal/internal/security"
	"github.com/g960059/portal/internal/wire"
)

func TestRedactText(t *testing.T) {
	in := `token=abc123 session_key="quoted-key" password:supersecret {"refresh_token":"jsonsecret","api_key":"jsonkey"} bearer tokenxyz`
	out := security.RedactText(in)
	for _, leaked := range []string{"abc123", "quoted-key", "supersecret", "jsonsecret", "jsonkey", "tokenxyz"} {
		assert.NotContains(t, out, leaked)
	}
	assert.Contains(t, out, security.Redacted)
}

func TestRedactTextMasksSessionKeyShapes(t *testing.T) {
	out := security.RedactText("stale session 9b2f6c1e-8d3a-4c5b-a1e2-0f9d8c7b6a54 rejected")
	assert.Equal(t, "stale session [REDACTED] rejected", out)
	assert.Equal(t, "", security.RedactText(""))
	assert.Equal(t, "move bearing=90", security.RedactText("move bearing=90"))
}

func TestSensitiveField(t *testing.T) {
	for _, name := range []string{"key", "KEY", "session_key", "token", "auth_token", "client_secret"} {
		assert.True(t, security.SensitiveField(name), name)
	}
	for _, name := range []string{"lat", "keyboard", "bearing", "speed_amplitude"} {
		assert.False(t, security.SensitiveField(name), name)
	}
}

func TestRedactEnvelope(t *testing.T) {
	env := wire.NewEnvelope(wire.CmdExchangeKey).
		Set(wire.FieldKey, wire.String("9b2f6c1e-8d3a-4c5b-a1e2-0f9d8c7b6a54")).
		Set(wire.FieldLat, wire.Float64(31.5)).
		Set(wire.FieldSatellites, wire.Binary(make([]byte, 12))).
		Set(wire.FieldPath, wire.String("/tmp/lib.so token=abc"))

	raw := security.RedactEnvelope(env)
	require.NotEmpty(t, raw)
	assert.False(t, strings.Contains(raw, "9b2f6c1e"), raw)

	var fields map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	assert.Equal(t, security.Redacted, fields[wire.FieldKey])
	assert.Equal(t, "31.5", fields[wire.FieldLat])
	assert.Equal(t, "[12 bytes]", fields[wire.FieldSatellites])
	assert.Equal(t, "/tmp/lib.so token= [REDACTED]", fields[wire.FieldPath])

	assert.Equal(t, "", security.RedactEnvelope(nil))
	assert.Equal(t, "", security.RedactEnvelope(wire.NewEnvelope(wire.CmdGetSpeed)))
}

func TestRedactError(t *testing.T) {
	assert.Equal(t, "", security.RedactError(nil))
	assert.Equal(t, "dial: api_key= [REDACTED]", security.RedactError(errors.New("dial: api_key=zzz")))
}
