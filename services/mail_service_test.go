package services

import (
	"errors"
	"testing"

	"followup-mailer/config"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "gopkg.in/gomail.v2"
)

type recordingSender struct {
	sent []*mail.Message
	err  error
}

func (r *recordingSender) DialAndSend(m ...*mail.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m...)
	return nil
}

func TestMailService_Send(t *testing.T) {
	sender := &recordingSender{}
	log, _ := logtest.NewNullLogger()
	svc, err := NewMailService(&config.Config{AuthUser: "bot@example.com", FromEmail: "team@example.com"}, WithSender(sender), WithMailLogger(log))
	require.NoError(t, err)
	require.True(t, svc.Configured())

	err = svc.Send(OutgoingMail{
		To:      "a@x.com",
		CC:      []string{"b@x.com"},
		Subject: "Checking in",
		Body:    "<p>Hello <b>Dana</b></p>",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	m := sender.sent[0]
	assert.Equal(t, []string{"team@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"a@x.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"b@x.com"}, m.GetHeader("Cc"))
	assert.Equal(t, []string{"Checking in"}, m.GetHeader("Subject"))
}

func TestMailService_SendFailure(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	svc, err := NewMailService(&config.Config{AuthUser: "bot@example.com"}, WithSender(&recordingSender{err: errors.New("535 auth failed")}), WithMailLogger(log))
	require.NoError(t, err)

	err = svc.Send(OutgoingMail{To: "a@x.com", Subject: "s", Body: "b"})
	assert.ErrorContains(t, err, "535 auth failed")
}

func TestMailService_NotConfigured(t *testing.T) {
	svc, err := NewMailService(&config.Config{})
	require.NoError(t, err)
	assert.False(t, svc.Configured())
	assert.ErrorIs(t, svc.Send(OutgoingMail{To: "a@x.com"}), ErrMailNotConfigured)
}

func TestNewMailService_InvalidHub(t *testing.T) {
	_, err := NewMailService(&config.Config{MailHub: "smtp.example.com"})
	assert.Error(t, err)

	_, err = NewMailService(&config.Config{MailHub: "smtp.example.com:smtp"})
	assert.Error(t, err)

	svc, err := NewMailService(&config.Config{MailHub: "smtp.example.com:587", AuthUser: "u", AuthPass: "p"})
	require.NoError(t, err)
	assert.True(t, svc.Configured())
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello Dana", plainText("<p>Hello <b>Dana</b></p>"))
}

func TestBuildMailtoURL(t *testing.T) {
	got := BuildMailtoURL("a@x.com", "Follow up & next steps", "Hi Dana,\nAny news?")
	assert.Equal(t, "mailto:a@x.com?subject=Follow%20up%20%26%20next%20steps&body=Hi%20Dana%2C%0AAny%20news%3F", got)
}
