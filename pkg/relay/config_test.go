package relay

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	It("should overlay a YAML file onto the defaults", func() {
		path := filepath.Join(GinkgoT().TempDir(), "relay.yaml")
		Expect(os.WriteFile(path, []byte(`
agentAddress: 10.0.0.7
agentPort: 4000
forwardMode: decoded
failFast: false
responseTimeout: 15s
`), 0o600)).To(Succeed())

		config := DefaultConfig()
		Expect(LoadConfigFile(path, config)).To(Succeed())

		Expect(config.AgentEndpoint()).To(Equal("10.0.0.7:4000"))
		Expect(config.ForwardMode).To(Equal(ForwardDecoded))
		Expect(config.FailFast).To(BeFalse())
		Expect(config.ResponseTimeout).To(Equal(15 * time.Second))
		Expect(config.StartOffset).To(Equal(5 * time.Second))
		Expect(config.Validate()).To(Succeed())
	})

	It("should report a missing file", func() {
		Expect(LoadConfigFile("/does/not/exist.yaml", DefaultConfig())).To(MatchError(ContainSubstring("read config")))
	})

	DescribeTable("Validate",
		func(mutate func(*Config), message string) {
			config := DefaultConfig()
			config.AgentPort = 5000
			mutate(config)
			Expect(config.Validate()).To(MatchError(ContainSubstring(message)))
		},
		Entry("hostname instead of IP", func(c *Config) { c.AgentAddress = "localhost" }, "not an IP address"),
		Entry("port zero", func(c *Config) { c.AgentPort = 0 }, "out of range"),
		Entry("port too large", func(c *Config) { c.AgentPort = 70000 }, "out of range"),
		Entry("unknown forward mode", func(c *Config) { c.ForwardMode = "base64" }, "unknown forward mode"),
		Entry("empty method", func(c *Config) { c.MethodName = "" }, "methodName"),
		Entry("zero timeout", func(c *Config) { c.ResponseTimeout = 0 }, "timeouts"),
	)

	It("should accept IPv6 agent addresses", func() {
		config := DefaultConfig()
		config.AgentAddress = "::1"
		config.AgentPort = 5000
		Expect(config.Validate()).To(Succeed())
		Expect(config.AgentEndpoint()).To(Equal("[::1]:5000"))
	})
})
