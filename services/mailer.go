package services

import (
	"fmt"

	gomail "gopkg.in/gomail.v2"
)

type MailConfig struct {
	// SMTP配置
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer 捐款确认邮件发送接口
type Mailer interface {
	SendDonationConfirmation(username, email string, amount float64) error
}

// SMTPMailer 通过SMTP发送邮件
type SMTPMailer struct {
	config MailConfig
	dialer *gomail.Dialer
}

func NewSMTPMailer(config MailConfig) *SMTPMailer {
	return &SMTPMailer{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// SendDonationConfirmation 发送捐款确认邮件，纯文本和HTML双格式
func (m *SMTPMailer) SendDonationConfirmation(username, email string, amount float64) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", "Donation Confirmation")
	msg.SetBody("text/plain",
		fmt.Sprintf("Thank you %s for your donation of ₹%v", username, amount))
	msg.AddAlternative("text/html",
		fmt.Sprintf("<h1>Thank You!</h1><p>Dear %s,</p><p>Thank you for your generous donation of ₹%v. Your support helps us continue our mission.</p><p>Thank you,</p><p>Donate.me</p>", username, amount))

	return m.dialer.DialAndSend(msg)
}
