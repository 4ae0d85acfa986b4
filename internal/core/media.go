package core

import (
	"context"

	"github.com/JonMunkholm/reconcile/internal/media"
	"github.com/JonMunkholm/reconcile/internal/schema"
)

// MediaService materializes a URL into a stored asset.
type MediaService interface {
	UploadFromURL(ctx context.Context, url string, mc media.Context, c media.Constraints) (media.Asset, error)
}

// resolveMedia replaces URL values of media columns with asset ids. A failed
// fetch nulls the field and is collected, never returned.
func resolveMedia(ctx context.Context, svc MediaService, e *schema.Entity, rec Record, row int) []MediaError {
	if svc == nil {
		return nil
	}

	var errs []MediaError
	for _, c := range e.Columns {
		if c.Type != schema.TypeMedia {
			continue
		}
		url, ok := rec[c.Name].(string)
		if !ok || !media.IsURL(url) {
			continue
		}

		var cons media.Constraints
		if c.Media != nil {
			cons = media.Constraints{MaxBytes: c.Media.MaxBytes, Accept: c.Media.Accept}
		}
		asset, err := svc.UploadFromURL(ctx, url, media.Context{Entity: e.ClassName, Field: c.Name}, cons)
		if err != nil {
			rec[c.Name] = nil
			errs = append(errs, MediaError{Row: row, Field: c.Name, URL: url, Error: err.Error()})
			continue
		}
		rec[c.Name] = asset.ID
	}
	return errs
}

// flattenAggregates moves the members of composite values such as
// {"location": {"lat": 50.03, "lon": 8.57}} into their storage columns.
func flattenAggregates(e *schema.Entity, rec Record) {
	for _, source := range e.AggregateSources() {
		v, ok := rec[source]
		if !ok {
			continue
		}
		delete(rec, source)
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, c := range e.Columns {
			if c.AggregateSource != source {
				continue
			}
			if fv, ok := nested[c.AggregateField]; ok {
				rec[c.Name] = fv
			}
		}
	}
}

// nestAggregates is the inverse of flattenAggregates. Composites whose
// members are all empty are dropped.
func nestAggregates(e *schema.Entity, rec Record) {
	for _, source := range e.AggregateSources() {
		nested := make(map[string]any)
		for _, c := range e.Columns {
			if c.AggregateSource != source {
				continue
			}
			if v, ok := rec[c.Name]; ok {
				delete(rec, c.Name)
				if v != nil {
					nested[c.AggregateField] = v
				}
			}
		}
		if len(nested) > 0 {
			rec[source] = nested
		}
	}
}
