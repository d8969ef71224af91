package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidAppName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "store", true},
		{"dotted", "acme.analytics", true},
		{"hyphen and underscore", "my-app_2", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"space", "my app", false},
		{"slash", "a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidAppName(tt.input))
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("username"))
	assert.True(t, IsValidIdentifier("api_key2"))
	assert.False(t, IsValidIdentifier("2fa"))
	assert.False(t, IsValidIdentifier("id; DROP TABLE users"))
	assert.False(t, IsValidIdentifier(""))
	assert.False(t, IsValidIdentifier("user-name"))
}

func TestIsValidCommandName(t *testing.T) {
	assert.True(t, IsValidCommandName("^Ping"))
	assert.True(t, IsValidCommandName("zFunc.list_products"))
	assert.False(t, IsValidCommandName(""))
	assert.False(t, IsValidCommandName("^Ping\n"))
	assert.False(t, IsValidCommandName("two words"))
	assert.False(t, IsValidCommandName(strings.Repeat("x", 129)))
}

func TestUserContext_Validate(t *testing.T) {
	var anonymous *UserContext
	assert.NoError(t, anonymous.Validate())

	uc := &UserContext{UserID: "1", AppName: "store", Role: "customer", AuthContext: AuthContextApplication}
	assert.NoError(t, uc.Validate())

	uc.AuthContext = "root"
	assert.ErrorIs(t, uc.Validate(), ErrInvalidAuthContext)

	uc.AuthContext = AuthContextDual
	uc.AppName = "bad app"
	assert.ErrorIs(t, uc.Validate(), ErrInvalidAppName)
}

func TestCommandClass_JSON(t *testing.T) {
	data, err := json.Marshal(CommandInfo{Name: "^ListProducts", Class: ClassRead})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"^ListProducts","class":"read"}`, string(data))
	assert.Equal(t, "write", ClassWrite.String())
	assert.Equal(t, "other", ClassOther.String())
}

func TestResponse_EchoesRawRequestID(t *testing.T) {
	resp := Response{Result: map[string]string{"message": "Pong!"}, RequestID: json.RawMessage(`7`)}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"message":"Pong!"},"_requestId":7}`, string(data))

	resp = Response{Error: "boom", Code: "dispatch_error", RequestID: json.RawMessage(`"abc"`)}
	data, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom","code":"dispatch_error","_requestId":"abc"}`, string(data))
}

func TestResponse_OmitsAbsentRequestID(t *testing.T) {
	data, err := json.Marshal(Response{Event: EventAck, Status: "ignored"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ack","status":"ignored"}`, string(data))
}
