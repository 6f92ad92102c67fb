package offlinecache

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule overrides the strategy for matching requests.
// All non-empty fields must match.
type Rule struct {
	Host     string            `yaml:"host"`
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Query    map[string]string `yaml:"query"`
	Strategy Strategy          `yaml:"strategy"`
}

func (r Rules) find(req *http.Request) *Rule {
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Host != "" && !strings.EqualFold(rule.Host, req.URL.Hostname()) {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		log.Trace().Msgf("Rule %+v matches %s", *rule, req.URL)
		return rule
	}
	return nil
}
