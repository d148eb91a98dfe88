package serialize_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/sessiond/runtime/agent/serialize"
)

type sample struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  []string          `json:"tags"`
	Attrs map[string]string `json:"attrs"`
	Score float64           `json:"score"`
}

// TestValueProperties verifies that converted values are always valid JSON
// and that conversion is stable on its own output.
func TestValueProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genSample := gopter.CombineGens(
		gen.AnyString(),
		gen.Int(),
		gen.SliceOf(gen.AlphaString()),
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
		gen.Float64(),
	).Map(func(vs []any) sample {
		return sample{
			Name:  vs[0].(string),
			Count: vs[1].(int),
			Tags:  vs[2].([]string),
			Attrs: vs[3].(map[string]string),
			Score: vs[4].(float64),
		}
	})

	properties.Property("output is JSON-encodable", prop.ForAll(
		func(s sample) bool {
			_, err := json.Marshal(serialize.Value(s))
			return err == nil
		},
		genSample,
	))

	properties.Property("conversion is idempotent", prop.ForAll(
		func(s sample) bool {
			once := serialize.Value(s)
			return reflect.DeepEqual(once, serialize.Value(once))
		},
		genSample,
	))

	properties.Property("every exported field is present", prop.ForAll(
		func(s sample) bool {
			m, ok := serialize.Value(s).(map[string]any)
			if !ok {
				return false
			}
			for _, k := range []string{"name", "count", "tags", "attrs", "score"} {
				if _, ok := m[k]; !ok {
					return false
				}
			}
			return true
		},
		genSample,
	))

	properties.TestingRun(t)
}
