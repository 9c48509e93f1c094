package mem

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestMem(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "mem page cache suite")
}
