// Command send submits numbered test messages, each authenticated as a
// randomly picked user, to exercise per-user mailboxes.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5025", "SMTP address")
	count := flag.Int("n", 10, "messages to send")
	users := flag.String("users", "user01:pass01,user02:pass02", "user:password pairs to pick from")
	flag.Parse()

	pairs := strings.Split(*users, ",")
	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		host = *addr
	}

	for i := 1; i <= *count; i++ {
		username, password, _ := strings.Cut(strings.TrimSpace(pairs[rand.IntN(len(pairs))]), ":")
		auth := smtp.PlainAuth("", username, password, host)

		from := "sender@smtpbox.dev"
		to := fmt.Sprintf("%s@smtpbox.dev", username)
		msg := buildMessage(from, to, fmt.Sprintf("smtpbox example #%d", i), i)
		if err := smtp.SendMail(*addr, auth, from, []string{to}, msg); err != nil {
			fmt.Fprintf(os.Stderr, "message %d as %s: %v\n", i, username, err)
			os.Exit(1)
		}
		fmt.Printf("sent message %d as %s\n", i, username)
	}
}

func buildMessage(from, to, subject string, n int) []byte {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <example-%d-%d@smtpbox.dev>", time.Now().UnixNano(), n),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		fmt.Sprintf("Hello from smtpbox. Message %d.", n),
		"",
	}
	return []byte(strings.Join(headers, "\r\n"))
}
