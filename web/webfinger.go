package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/util"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerDocument struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger answers a resource query of the form acct:name@host for the
// local host. Remote instances use it to find the actor behind a handle.
func GetWebfinger(resource string, conf *util.AppConfig) ([]byte, error) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return nil, fmt.Errorf("unsupported resource %q", resource)
	}
	name, host, ok := strings.Cut(acct, "@")
	if !ok || !strings.EqualFold(host, conf.Conf.SslDomain) || !ValidActorName(name) {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}

	return json.Marshal(webfingerDocument{
		Subject: fmt.Sprintf("acct:%s@%s", name, conf.Conf.SslDomain),
		Links: []webfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentTypeActivity,
			Href: getIRI(conf.LocalAuthority(), name, id),
		}},
	})
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
