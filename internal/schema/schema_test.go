package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const echoSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`

func TestValidateAcceptsConformingDoc(t *testing.T) {
	require.NoError(t, Validate([]byte(echoSchema), []byte(`{"text":"hi"}`)))
}

func TestValidateRejectsUnknownProperty(t *testing.T) {
	err := Validate([]byte(echoSchema), []byte(`{"text":"hi","__proto__":{}}`))
	require.Error(t, err)
}

func TestValidateRejectsPrototypePollutionKeys(t *testing.T) {
	for _, key := range []string{"__proto__", "constructor", "toString"} {
		doc := `{"text":"hi","` + key + `":"x"}`
		err := Validate([]byte(echoSchema), []byte(doc))
		require.Errorf(t, err, "expected rejection for key %q", key)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	err := Validate([]byte(echoSchema), []byte(`{}`))
	require.Error(t, err)
}

func TestValidateRejectsMalformedDoc(t *testing.T) {
	err := Validate([]byte(echoSchema), []byte(`{`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}
