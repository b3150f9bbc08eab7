package notify

import (
	"fmt"
	"log"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSink alerts an operator address on task failures. Successes are
// logged only; paging on every completed task would be noise.
type EmailSink struct {
	client      *sendgrid.Client
	fromName    string
	fromAddress string
	toAddress   string
}

func NewEmailSink(apiKey, fromName, fromAddress, toAddress string) *EmailSink {
	return &EmailSink{
		client:      sendgrid.NewSendClient(apiKey),
		fromName:    fromName,
		fromAddress: fromAddress,
		toAddress:   toAddress,
	}
}

func (s *EmailSink) NotifySuccess(contextID, message string) {
	log.Printf("notify success [%s]: %s", contextID, message)
}

func (s *EmailSink) NotifyFailure(contextID, message string) {
	from := mail.NewEmail(s.fromName, s.fromAddress)
	to := mail.NewEmail("", s.toAddress)
	subject := fmt.Sprintf("dispatch failure in context %s", contextID)
	email := mail.NewSingleEmail(from, subject, to, message, message)

	response, err := s.client.Send(email)
	if err != nil {
		log.Printf("failed to send failure email for %s: %v", contextID, err)
		return
	}
	if response.StatusCode >= 400 {
		log.Printf("sendgrid error for %s: status %d", contextID, response.StatusCode)
		return
	}

	log.Printf("failure email sent for context %s (status: %d)", contextID, response.StatusCode)
}
