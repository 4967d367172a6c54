package web

import (
	"fmt"
	"sort"
	"time"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/delivery"
	"github.com/deemkeen/federate/util"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

// GetEventFeed renders recent verification rejections and inactive
// destinations as an Atom feed, newest entry first
func GetEventFeed(conf *util.AppConfig, events []activitypub.RejectionEvent, reports []delivery.QueueReport, now time.Time) (string, error) {
	link := fmt.Sprintf("http://%s/admin/federation/feed", conf.Conf.AdminAddr)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s federation events", conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: link},
		Description: "rejected inbound documents and inactive delivery destinations",
		Author:      &feeds.Author{Name: util.Name},
		Created:     now,
	}

	var items []*feeds.Item
	for _, e := range events {
		items = append(items, &feeds.Item{
			Id:          feedItemID("rejection", string(e.Reason), e.Subject, e.At),
			Title:       fmt.Sprintf("Rejected (%s): %s", e.Reason, e.Subject),
			Link:        &feeds.Link{Href: link},
			Description: fmt.Sprintf("Inbound document from %s rejected: %s", e.Subject, e.Reason),
			Created:     e.At,
		})
	}
	for _, r := range reports {
		if !r.Inactive {
			continue
		}
		at := now
		if r.LastRetryAt != nil {
			at = *r.LastRetryAt
		}
		items = append(items, &feeds.Item{
			Id:          feedItemID("inactive", r.InactiveReason, r.Destination, at),
			Title:       fmt.Sprintf("Destination inactive: %s", r.Destination),
			Link:        &feeds.Link{Href: link},
			Description: fmt.Sprintf("Delivery to %s stopped after sequence %d: %s", r.Destination, r.LastSuccessfulSequenceID, r.InactiveReason),
			Created:     at,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Created.After(items[j].Created)
	})

	feed.Items = items
	return feed.ToAtom()
}

// feedItemID is stable for the same event so readers do not show it twice
func feedItemID(kind, reason, subject string, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%d", kind, reason, subject, at.UnixNano())
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
