package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gorilla/feeds"
)

// FeedRSS renders alerts as an RSS 2.0 document. link is the base URL of
// the operator API.
func FeedRSS(alerts []domain.FederationAlert, link string, now time.Time) (string, error) {
	link = strings.TrimSuffix(link, "/")
	feed := &feeds.Feed{
		Title:       "Federation alerts",
		Link:        &feeds.Link{Href: link + "/alerts"},
		Description: "Queue and remote instance health alerts",
		Created:     now,
	}

	for _, a := range alerts {
		title := fmt.Sprintf("[%s] %s", a.Severity, a.Type)
		if a.AcknowledgedAt != nil {
			title += " (acknowledged)"
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          a.Id.String(),
			Title:       title,
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/alerts/%s", link, a.Id)},
			Description: a.Message,
			Created:     a.CreatedAt,
		})
	}
	return feed.ToRss()
}
