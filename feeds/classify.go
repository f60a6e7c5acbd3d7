package feeds

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/nebular/errors"
)

// Class says whether a fetch failure is worth retrying
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Sentinel returns the error mark matching the class
func (c Class) Sentinel() error {
	if c == ClassPermanent {
		return errors.ErrPermanentFetch
	}
	return errors.ErrTransientFetch
}

// Rule maps HTTP statuses or error message fragments to a class.
// A rule matches when any of its statuses or substrings match.
type Rule struct {
	Name     string   `toml:"name"`
	Class    Class    `toml:"class"`
	Statuses []int    `toml:"statuses"`
	Contains []string `toml:"contains"`
}

func (r Rule) matches(status int, msg string) bool {
	for _, s := range r.Statuses {
		if s == status {
			return true
		}
	}
	if msg == "" {
		return false
	}
	for _, sub := range r.Contains {
		if strings.Contains(msg, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// DefaultRules is the built-in classification table
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "client errors",
			Class:    ClassPermanent,
			Statuses: []int{400, 401, 403, 404, 405, 406, 410, 411, 414, 415, 451},
		},
		{
			Name:     "server and throttling errors",
			Class:    ClassTransient,
			Statuses: []int{408, 425, 429, 500, 502, 503, 504},
		},
		{
			Name:  "unreachable or refused destination",
			Class: ClassPermanent,
			Contains: []string{
				"no such host",
				"unsupported protocol scheme",
				"not allowed",
				"private IP address blocked",
				"localhost access blocked",
				"URL contains userinfo",
				"invalid URL",
				"stopped after",
				"x509:",
			},
		},
		{
			Name:     "unparseable feed",
			Class:    ClassPermanent,
			Contains: []string{"failed to detect feed type", "failed to parse feed"},
		},
		{
			Name:  "network hiccups",
			Class: ClassTransient,
			Contains: []string{
				"timeout",
				"connection reset",
				"connection refused",
				"temporarily unavailable",
				"EOF",
			},
		},
	}
}

// Classifier assigns a Class to fetch failures. First matching rule wins;
// anything unmatched is transient.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over rules, or DefaultRules when none are given
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

// LoadClassifier reads extra rules from a TOML file. File rules are checked
// before the defaults, so they can override them.
//
//	[[rule]]
//	name = "origin flaps with 403"
//	class = "transient"
//	statuses = [403]
func LoadClassifier(path string) (*Classifier, error) {
	if path == "" {
		return NewClassifier(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read classification file %s", path)
	}

	var f ruleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse classification file %s", path)
	}
	for i, r := range f.Rules {
		if r.Class != ClassTransient && r.Class != ClassPermanent {
			return nil, errors.NewInvalidRequestError("rule %d (%s): class must be transient or permanent, got %q", i, r.Name, r.Class)
		}
	}
	return NewClassifier(append(f.Rules, DefaultRules()...)...), nil
}

// Classify decides the class of a failure given the HTTP status (0 if none) and error
func (c *Classifier) Classify(status int, err error) Class {
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrPermanentFetch):
			return ClassPermanent
		case errors.Is(err, errors.ErrTransientFetch):
			return ClassTransient
		case errors.Is(err, context.DeadlineExceeded):
			return ClassTransient
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassTransient
		}
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	for _, r := range c.rules {
		if r.matches(status, msg) {
			return r.Class
		}
	}
	return ClassTransient
}
