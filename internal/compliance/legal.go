package compliance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/utils"
)

const violationPenalty = 0.5

// checkLegal looks for prohibited claims, a missing unsubscribe notice on
// email and plain-http links. Bodies may be HTML.
func (g *Gate) checkLegal(variant models.MessageVariant) check {
	plain, links := parseBody(variant.Body)
	text := strings.ToLower(variant.Subject + "\n" + plain)
	var c check

	for _, claim := range g.rules.ProhibitedClaims {
		if containsPhrase(text, claim) {
			c.reasons = append(c.reasons, fmt.Sprintf("legal: prohibited claim %q", claim))
			c.recommendations = append(c.recommendations, fmt.Sprintf("Remove or substantiate the %q claim", claim))
		}
	}

	if variant.Channel == "email" && !hasUnsubscribe(text, links) {
		c.reasons = append(c.reasons, "legal: email has no unsubscribe notice")
		c.recommendations = append(c.recommendations, "Add an unsubscribe line or link to the footer")
	}

	for _, href := range links {
		if strings.HasPrefix(strings.ToLower(href), "http://") {
			c.reasons = append(c.reasons, fmt.Sprintf("legal: insecure link %s", href))
			c.recommendations = append(c.recommendations, "Link over https only")
		}
	}

	score := max(1.0-violationPenalty*float64(len(c.reasons)), 0)
	c.result = models.CategoryResult{
		Category: models.CategoryLegal,
		Score:    round(score),
		Passed:   score >= g.rules.LegalThreshold,
	}
	if c.result.Passed {
		c.reasons, c.recommendations = nil, nil
	} else {
		if len(c.reasons) == 0 {
			c.reasons = []string{fmt.Sprintf("legal: score %.2f below threshold", score)}
		}
		c.result.Reason = strings.Join(c.reasons, "; ")
	}
	return c
}

func parseBody(body string) (string, []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body, nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			links = append(links, href)
		}
	})
	return utils.HTMLText(doc.Find("body")), links
}

// containsPhrase matches phrase case-insensitively on word boundaries, so
// "cure" does not match "secure".
func containsPhrase(text, phrase string) bool {
	re, err := regexp.Compile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(phrase) + `($|[^\pL\pN])`)
	if err != nil {
		return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
	}
	return re.MatchString(text)
}

func hasUnsubscribe(text string, links []string) bool {
	if strings.Contains(text, "unsubscribe") || strings.Contains(text, "opt out") {
		return true
	}
	for _, href := range links {
		if strings.Contains(strings.ToLower(href), "unsubscribe") {
			return true
		}
	}
	return false
}
