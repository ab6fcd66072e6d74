package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounceNoteDefault(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	got, err := r.BounceNote("bob@example.com", "hard_bounce", "17")
	require.NoError(t, err)
	assert.Equal(t, "Email has been bounced: bob@example.com\nReason: hard_bounce\nEvent: 17", got)
}

func TestBounceNoteCustomTemplate(t *testing.T) {
	r, err := NewRenderer("{{ email | upcase }} bounced ({{ reason }})")
	require.NoError(t, err)

	got, err := r.BounceNote("bob@example.com", "spam", "unknown")
	require.NoError(t, err)
	assert.Equal(t, "BOB@EXAMPLE.COM bounced (spam)", got)
}

func TestNewRendererInvalidTemplate(t *testing.T) {
	_, err := NewRenderer("{% if %}")
	assert.Error(t, err)
}

func TestValidationNotes(t *testing.T) {
	r, err := NewRenderer("")
	require.NoError(t, err)

	got, err := r.InvalidAddressNote("bad@")
	require.NoError(t, err)
	assert.Equal(t, "bad@ is not a valid email address. Please check it in order to avoid sending issues", got)

	got, err = r.MailboxFailedNote("gone@example.com")
	require.NoError(t, err)
	assert.Equal(t, "gone@example.com failed the mailbox verification. Please check it in order to avoid sending issues", got)
}
