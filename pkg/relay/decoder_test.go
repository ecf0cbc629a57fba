package relay

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

var _ = Describe("Decode", func() {
	DescribeTable("renders body then properties",
		func(body string, properties map[string]any, expected string) {
			record := &stream.Record{Body: []byte(body), Properties: properties}
			Expect(Decode(record)).To(Equal(expected))
		},
		Entry("json body with properties", `{"temp": 21.5}`, map[string]any{"alert": "high"}, `{"temp":21.5}{"alert":"high"}`),
		Entry("text body", "hello", nil, `"hello"`),
		Entry("text body keeps html characters", "a<b&c", nil, `"a<b&c"`),
		Entry("numeric body", "42", nil, ""),
		Entry("boolean body", "true", map[string]any{"k": "v"}, `{"k":"v"}`),
		Entry("empty string body", `""`, nil, ""),
		Entry("json string body", `"on"`, nil, `"on"`),
		Entry("array body", `[1, 2]`, nil, `[1,2]`),
		Entry("properties only", "", map[string]any{"a": 1}, `{"a":1}`),
		Entry("property keys are sorted", "", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`),
		Entry("empty object body", "{}", nil, ""),
		Entry("null body", "null", map[string]any{}, ""),
		Entry("empty array body with properties", "[]", map[string]any{"k": "v"}, `{"k":"v"}`),
		Entry("nothing at all", "", nil, ""),
	)
})
