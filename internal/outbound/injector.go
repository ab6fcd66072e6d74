// Package outbound stamps correlation markers into outgoing mail and hands
// each recipient copy to the SMTP transport, recording the outcome on the
// copy's tracking record.
package outbound

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ignite/mail-tracking/internal/domain"
	"github.com/ignite/mail-tracking/internal/mailgun"
)

// Correlation headers.
const (
	HeaderTrackingID       = "X-Mail-Tracking-ID"
	HeaderInstance         = "X-Mail-Tracking-Instance"
	HeaderMailgunVariables = "X-Mailgun-Variables"
)

const pixelSelector = "img[data-tracking-email]"

// Injector embeds the open pixel and the correlation headers.
type Injector struct {
	baseURL       string
	instance      string
	pixelDisabled bool
}

// NewInjector creates an injector for pixels served under baseURL.
func NewInjector(baseURL, instance string, pixelDisabled bool) *Injector {
	return &Injector{
		baseURL:       strings.TrimRight(baseURL, "/"),
		instance:      instance,
		pixelDisabled: pixelDisabled,
	}
}

// PixelURL is the open-tracking URL of a record.
func (i *Injector) PixelURL(t domain.TrackingEmail) string {
	if t.Token == "" {
		return fmt.Sprintf("%s/mail/tracking/open/%s/%d/blank.gif", i.baseURL, i.instance, t.ID)
	}
	return fmt.Sprintf("%s/mail/tracking/open/%s/%d/%s/blank.gif", i.baseURL, i.instance, t.ID, t.Token)
}

// Pixel returns the zero-size image tag carrying the record id.
func (i *Injector) Pixel(t domain.TrackingEmail) string {
	return fmt.Sprintf(`<img src="%s" alt="" width="0" height="0" style="display:none" data-tracking-email="%d"/>`,
		html.EscapeString(i.PixelURL(t)), t.ID)
}

// AddPixel appends the record's pixel to the end of the body element, or
// of the fragment when body is not a whole document. Pixels of other
// records are removed first.
func (i *Injector) AddPixel(body string, t domain.TrackingEmail) (string, error) {
	doc, err := parseBody(body)
	if err != nil {
		return body, err
	}
	doc.pixels().Remove()
	doc.body.AppendHtml(i.Pixel(t))
	return doc.render()
}

// Finalize attaches the correlation headers for the record whose pixel is
// in body. The pixel is stripped afterwards when injection is disabled, so
// the headers survive either way. Bodies without a pixel are returned
// untouched.
func (i *Injector) Finalize(h *mail.Header, body string) (string, error) {
	doc, err := parseBody(body)
	if err != nil {
		return body, err
	}
	id, ok := doc.trackingID()
	if !ok {
		return body, nil
	}
	vars, err := json.Marshal(map[string]any{
		mailgun.VarInstance:        i.instance,
		mailgun.VarTrackingEmailID: id,
	})
	if err != nil {
		return body, fmt.Errorf("encoding provider variables: %w", err)
	}
	h.Set(HeaderTrackingID, strconv.FormatInt(id, 10))
	h.Set(HeaderInstance, i.instance)
	h.Set(HeaderMailgunVariables, string(vars))

	if !i.pixelDisabled {
		return body, nil
	}
	doc.pixels().Remove()
	return doc.render()
}

// TrackingIDFromBody finds the record id of the first tracking pixel.
func TrackingIDFromBody(body string) (int64, bool) {
	doc, err := parseBody(body)
	if err != nil {
		return 0, false
	}
	return doc.trackingID()
}

// TrackingIDFromHeader reads the correlation header of a built message.
func TrackingIDFromHeader(h mail.Header) (int64, bool) {
	v := strings.TrimSpace(h.Get(HeaderTrackingID))
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// StripPixel removes every tracking pixel from body.
func StripPixel(body string) (string, error) {
	doc, err := parseBody(body)
	if err != nil {
		return body, err
	}
	pixels := doc.pixels()
	if pixels.Length() == 0 {
		return body, nil
	}
	pixels.Remove()
	return doc.render()
}

// mailBody is a parsed HTML body. Whole documents render back as
// documents and fragments as fragments.
type mailBody struct {
	doc   *goquery.Document
	body  *goquery.Selection
	whole bool
}

func parseBody(src string) (*mailBody, error) {
	lower := strings.ToLower(src)
	if strings.Contains(lower, "<html") || strings.Contains(lower, "<body") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parsing html body: %w", err)
		}
		return &mailBody{doc: doc, body: doc.Find("body").First(), whole: true}, nil
	}

	root := &xhtml.Node{Type: xhtml.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := xhtml.ParseFragment(strings.NewReader(src), root)
	if err != nil {
		return nil, fmt.Errorf("parsing html fragment: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	doc := goquery.NewDocumentFromNode(root)
	return &mailBody{doc: doc, body: doc.Selection}, nil
}

func (b *mailBody) pixels() *goquery.Selection {
	return b.doc.Find(pixelSelector)
}

func (b *mailBody) trackingID() (int64, bool) {
	v, _ := b.pixels().First().Attr("data-tracking-email")
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (b *mailBody) render() (string, error) {
	if b.whole {
		return b.doc.Html()
	}
	return b.body.Html()
}
