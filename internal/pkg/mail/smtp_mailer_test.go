package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMessageEncodesSubject(t *testing.T) {
	msg := string(BuildMessage("no-reply@fit.example.com", "a@example.com", "您的 Premium 會員即將到期", "<p>hi</p>"))

	assert.True(t, strings.HasPrefix(msg, "From: no-reply@fit.example.com\r\nTo: a@example.com\r\n"))
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n<p>hi</p>")
}

func TestSendMailRequiresHost(t *testing.T) {
	err := (&SMTPMailer{Sender: "x@example.com"}).SendMail("a@example.com", "s", "b")
	assert.Error(t, err)
}
