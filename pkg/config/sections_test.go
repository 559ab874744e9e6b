package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/stretchr/testify/require"
)

func TestNewSections(t *testing.T) {
	sections, err := NewSections()
	require.NoError(t, err)

	var slugs []string
	for _, s := range sections {
		slugs = append(slugs, s.GetSlug())
	}
	require.Equal(t, []string{SessionSlug, GenerationSlug, TriggerSlug, DispatchSlug, ViewersSlug, RedisSlug}, slugs)
}

// sectionValuesFrom fills a section with every glazed-tagged field of src, the way the
// cobra parser would after applying flags and defaults.
func sectionValuesFrom(t *testing.T, section schema.Section, src any) *values.SectionValues {
	t.Helper()
	sv, err := values.NewSectionValues(section)
	require.NoError(t, err)
	rv := reflect.ValueOf(src)
	for i := 0; i < rv.NumField(); i++ {
		name := rv.Type().Field(i).Tag.Get("glazed")
		sv.Fields.Update(name, &fields.FieldValue{Value: rv.Field(i).Interface()})
	}
	return sv
}

func TestDecodeValuesThenResolve(t *testing.T) {
	want := testValues()
	want.Generation.FalKey = "fal"
	want.Dispatch.MaxConcurrent = 2
	want.Dispatch.JobTimeout = "30s"
	want.Redis.RedisEnabled = true
	want.Redis.RedisAddr = "redis:6379"

	server, err := schema.NewSection(values.DefaultSlug, "Flags")
	require.NoError(t, err)
	session, err := NewSessionSection()
	require.NoError(t, err)
	gen, err := NewGenerationSection()
	require.NoError(t, err)
	trig, err := NewTriggerSection()
	require.NoError(t, err)
	disp, err := NewDispatchSection()
	require.NoError(t, err)
	viewers, err := NewViewersSection()
	require.NoError(t, err)
	redis, err := NewRedisSection()
	require.NoError(t, err)

	parsed := values.New(
		values.WithSectionValues(values.DefaultSlug, sectionValuesFrom(t, server, want.Server)),
		values.WithSectionValues(SessionSlug, sectionValuesFrom(t, session, want.Session)),
		values.WithSectionValues(GenerationSlug, sectionValuesFrom(t, gen, want.Generation)),
		values.WithSectionValues(TriggerSlug, sectionValuesFrom(t, trig, want.Trigger)),
		values.WithSectionValues(DispatchSlug, sectionValuesFrom(t, disp, want.Dispatch)),
		values.WithSectionValues(ViewersSlug, sectionValuesFrom(t, viewers, want.Viewers)),
		values.WithSectionValues(RedisSlug, sectionValuesFrom(t, redis, want.Redis)),
	)

	got, err := DecodeValues(parsed)
	require.NoError(t, err)
	require.Equal(t, want, got)

	s, err := Resolve(got, explicitly("fal-key", "max-concurrent", "job-timeout", "redis-enabled", "redis-addr"))
	require.NoError(t, err)
	require.Equal(t, "fal", s.FalKey)
	require.Equal(t, 2, s.MaxConcurrent)
	require.Equal(t, 30*time.Second, s.JobTimeout)
	require.True(t, s.RedisEnabled)
	require.Equal(t, "redis:6379", s.RedisAddr)
	require.Equal(t, "speakpaint", s.RedisGroup)
}
