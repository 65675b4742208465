package api

import (
	"net/url"
	"strconv"

	"github.com/chinmina/marketplace-session/internal/cache"
)

// Page selects a slice of a list endpoint. The zero value is the server's
// default page.
type Page struct {
	Number int
	Size   int
	Sort   string
}

func (p Page) filter() cache.Filter {
	f := cache.Filter{}
	if p.Number > 0 {
		f["page"] = p.Number
	}
	if p.Size > 0 {
		f["size"] = p.Size
	}
	if p.Sort != "" {
		f["sort"] = p.Sort
	}
	return f
}

func (p Page) values() url.Values {
	v := url.Values{}
	if p.Number > 0 {
		v.Set("page", strconv.Itoa(p.Number))
	}
	if p.Size > 0 {
		v.Set("size", strconv.Itoa(p.Size))
	}
	if p.Sort != "" {
		v.Set("sort", p.Sort)
	}
	return v
}

func (p Page) query() string {
	return encodeQuery(p.values())
}

func encodeQuery(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
