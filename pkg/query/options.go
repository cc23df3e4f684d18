package query

import "sort"

// SortMode orders results ascending or descending.
type SortMode string

const (
	Ascending  SortMode = "Ascending"
	Descending SortMode = "Descending"
)

// Defaults applied by Normalize.
const (
	DefaultPageNumber = 1
	DefaultPageSize   = 20
	DefaultSortField  = "id"
)

// Options carries pagination and sorting for storage reads.
type Options struct {
	PageNumber int      `json:"page_number,omitempty"`
	PageSize   int      `json:"page_size,omitempty"`
	SortField  string   `json:"sort_field,omitempty"`
	SortMode   SortMode `json:"sort_mode,omitempty"`
}

// DefaultOptions returns fully defaulted options.
func DefaultOptions() *Options {
	o := &Options{}
	o.Normalize()
	return o
}

// Normalize fills zero values with the documented defaults.
func (o *Options) Normalize() {
	if o.PageNumber < 1 {
		o.PageNumber = DefaultPageNumber
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.SortField == "" {
		o.SortField = DefaultSortField
	}
	if o.SortMode != Descending {
		o.SortMode = Ascending
	}
}

// Apply filters, sorts, and optionally paginates decoded documents.
// Pagination runs strictly after filter and sort.
func Apply(docs []map[string]any, f Filter, o *Options, paged bool) ([]map[string]any, error) {
	matched := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		ok, err := Match(doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}

	opts := o
	if opts == nil {
		opts = DefaultOptions()
	} else {
		opts.Normalize()
	}

	sort.SliceStable(matched, func(i, j int) bool {
		c := compare(matched[i][opts.SortField], matched[j][opts.SortField])
		if opts.SortMode == Descending {
			return c > 0
		}
		return c < 0
	})

	if !paged {
		return matched, nil
	}

	start := (opts.PageNumber - 1) * opts.PageSize
	if start >= len(matched) {
		return []map[string]any{}, nil
	}
	end := start + opts.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}
