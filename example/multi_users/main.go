// Command multi_users sends one message per user and checks, through the
// read API, that each landed only in its own mailbox.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"os"
	"strings"
	"time"
)

type summary struct {
	MessageID string `json:"messageId"`
	Subject   string `json:"subject"`
	User      string `json:"user"`
}

func main() {
	baseURL := getenvDefault("SMTPBOX_URL", "http://localhost:8080")
	smtpAddr := getenvDefault("SMTPBOX_SMTP", "localhost:5025")

	client := &http.Client{Timeout: 10 * time.Second}
	users := map[string]string{
		"user01": getenvDefault("USER01_PASSWORD", "pass01"),
		"user02": getenvDefault("USER02_PASSWORD", "pass02"),
	}

	fmt.Println("Sending test emails...")
	for username, password := range users {
		sendSMTP(smtpAddr, username, password, "sender@smtpbox.dev", []string{username + "@smtpbox.dev"},
			buildTestMessage("Test for "+username, username+"@smtpbox.dev"))
	}

	time.Sleep(500 * time.Millisecond)

	var mailboxes []string
	mustGet(client, baseURL+"/api/users", &mailboxes)
	fmt.Println("Mailboxes:", strings.Join(mailboxes, ", "))

	failed := false
	for username := range users {
		var list []summary
		mustGet(client, fmt.Sprintf("%s/api/users/%s/emails", baseURL, url.PathEscape(username)), &list)
		fmt.Printf("- %s total=%d\n", username, len(list))
		for _, item := range list {
			if item.User != username {
				fmt.Fprintf(os.Stderr, "  %s leaked into %s\n", item.MessageID, username)
				failed = true
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	auth := smtp.PlainAuth("", username, password, host)
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}
}

func buildTestMessage(subject, recipients string) []byte {
	boundary := fmt.Sprintf("smtpbox-%d", time.Now().UnixNano())
	text := "Hello!\n\nThis is a smtpbox multi-user test email.\n\nRecipients: " + recipients + "\n"
	html := "<html><body><h2>smtpbox multi-user test</h2><p>This is a test email.</p><p><strong>Recipients:</strong> " + recipients + "</p></body></html>"
	headers := []string{
		"From: sender@smtpbox.dev",
		"To: " + recipients,
		"Subject: " + subject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + boundary,
		"",
		"--" + boundary,
		"Content-Type: text/plain; charset=utf-8",
		"",
		text,
		"--" + boundary,
		"Content-Type: text/html; charset=utf-8",
		"",
		html,
		"--" + boundary + "--",
		"",
	}
	return []byte(strings.Join(headers, "\r\n"))
}

func mustGet(client *http.Client, target string, v any) {
	resp, err := client.Get(target)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		panic(fmt.Sprintf("request failed: GET %s: %s", target, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
