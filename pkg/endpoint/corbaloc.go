package endpoint

import (
	"errors"
	"strings"
)

const corbalocPrefix = "corbaloc:"

// ErrBadCorbaloc is returned for URLs that do not follow corbaloc:<ep>[,<ep>]*/<key>.
var ErrBadCorbaloc = errors.New("malformed corbaloc URL")

// ParseCorbaloc splits a corbaloc URL into its endpoint strings and object key.
func ParseCorbaloc(url string) ([]string, string, error) {
	if !strings.HasPrefix(url, corbalocPrefix) {
		return nil, "", ErrBadCorbaloc
	}
	body := url[len(corbalocPrefix):]
	slash := strings.LastIndexByte(body, '/')
	if slash < 0 {
		return nil, "", ErrBadCorbaloc
	}

	var eps []string
	for _, ep := range strings.Split(body[:slash], ",") {
		if ep == "" {
			return nil, "", ErrBadCorbaloc
		}
		eps = append(eps, ep)
	}
	return eps, body[slash+1:], nil
}

// FormatCorbaloc builds a corbaloc URL.
func FormatCorbaloc(key string, endpoints ...string) string {
	return corbalocPrefix + strings.Join(endpoints, ",") + "/" + key
}

// candidates returns the endpoint strings a connect target stands for.
func candidates(target string) ([]string, error) {
	if strings.HasPrefix(target, corbalocPrefix) {
		eps, _, err := ParseCorbaloc(target)
		return eps, err
	}
	return []string{target}, nil
}
