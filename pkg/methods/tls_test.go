package methods

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FileCertificateProvider", func() {
	It("should fail for a missing bundle", func() {
		_, err := ClientTLSConfig(FileCertificateProvider{Path: "/does/not/exist.pem"})
		Expect(err).To(MatchError(ContainSubstring("failed to read CA bundle")))
	})

	It("should fail for a file without certificates", func() {
		path := filepath.Join(GinkgoT().TempDir(), "empty.pem")
		Expect(os.WriteFile(path, []byte("not a certificate"), 0o600)).To(Succeed())

		_, err := FileCertificateProvider{Path: path}.GetRootCAs()
		Expect(err).To(MatchError(ContainSubstring("no certificates found")))
	})
})
