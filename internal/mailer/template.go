package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	OTPSubject = "Κωδικός Επαλήθευσης - Verification Code"

	pageStyle = "font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Arial, sans-serif; " +
		"line-height: 1.5; max-width: 560px; margin: 0 auto; padding: 20px; color: #333;"
)

// Declaration is the view of a stored submission used for the admin
// notification.
type Declaration struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Comments  string
	Storage   string
}

// Renderer turns markdown templates into HTML mail bodies. Raw HTML in the
// markdown is never rendered and every user supplied value is escaped first.
type Renderer struct {
	md     goldmark.Markdown
	footer string
}

func NewRenderer(footer string) *Renderer {
	return &Renderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.Table)),
		footer: footer,
	}
}

func (r *Renderer) OTP(code string, ttl time.Duration) (string, string, error) {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	var sb strings.Builder
	sb.WriteString("## Κωδικός Επαλήθευσης Email\n\n")
	sb.WriteString("Για να ολοκληρώσετε την υποβολή της φόρμας σας, παρακαλώ εισάγετε τον παρακάτω κωδικό επαλήθευσης:\n\n")
	fmt.Fprintf(&sb, "# %s\n\n", escape(code))
	fmt.Fprintf(&sb, "**Σημαντικό:** Αυτός ο κωδικός είναι έγκυρος για %d λεπτά μόνο.\n\n", minutes)
	sb.WriteString("Αν δεν κάνατε αυτή την αίτηση, παρακαλώ αγνοήστε αυτό το email.\n")
	body, err := r.render(sb.String())
	if err != nil {
		return "", "", err
	}
	return OTPSubject, body, nil
}

func (r *Renderer) Declaration(d Declaration) (string, string, error) {
	name := strings.TrimSpace(d.FirstName + " " + d.LastName)
	var sb strings.Builder
	sb.WriteString("## Νεο αιτημα επικοινωνίας\n\n")
	sb.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| **Ονομα (First name)** | %s |\n", escapeCell(d.FirstName))
	fmt.Fprintf(&sb, "| **Επώνυμο (Last name)** | %s |\n", escapeCell(d.LastName))
	fmt.Fprintf(&sb, "| **Τηλ. (Phone)** | %s |\n", escapeCell(d.Phone))
	fmt.Fprintf(&sb, "| **Email** | %s |\n\n", escapeCell(d.Email))
	for _, line := range strings.Split(strings.ReplaceAll(d.Comments, "\r\n", "\n"), "\n") {
		fmt.Fprintf(&sb, "> %s\n", escape(line))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Reference ID: #%s  \n", escape(d.ID))
	sb.WriteString("*Email verified via OTP*  \n")
	fmt.Fprintf(&sb, "*Storage: %s*\n", escape(d.Storage))
	body, err := r.render(sb.String())
	if err != nil {
		return "", "", err
	}
	subject := fmt.Sprintf("New declaration #%s — %s", d.ID, name)
	return subject, body, nil
}

func (r *Renderer) render(markdown string) (string, error) {
	if r.footer != "" {
		markdown += "\n---\n\n" + escape(r.footer) + "\n"
	}
	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n")
	out.WriteString("<body style=\"" + pageStyle + "\">\n")
	if err := r.md.Convert([]byte(markdown), &out); err != nil {
		return "", err
	}
	out.WriteString("</body>\n</html>\n")
	return out.String(), nil
}

// escape backslash-escapes markdown punctuation so user input renders as
// literal text.
func escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune("\\`*_{}[]()<>#+-.!|~&", r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func escapeCell(s string) string {
	return escape(strings.NewReplacer("\r", " ", "\n", " ").Replace(s))
}
