package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

func TestRenderPoCPrefersOwnPoC(t *testing.T) {
	f := &models.Finding{Type: models.FindingReentrancy, ProofOfConcept: "contract Mine {}"}
	assert.Equal(t, "contract Mine {}", renderPoC(f))
}

func TestRenderPoCTemplates(t *testing.T) {
	for _, ft := range []models.FindingType{
		models.FindingReentrancy, models.FindingIntegerOverflow, models.FindingAccessControl,
		models.FindingUncheckedCall, models.FindingFlashLoan, models.FindingPriceManipulation,
	} {
		f := &models.Finding{
			Type:        ft,
			Title:       "title-" + string(ft),
			Location:    "Vault.sol:1",
			Description: "desc",
		}
		poc := renderPoC(f)
		assert.Contains(t, poc, "forge-std/Test.sol", ft)
		assert.Contains(t, poc, "title-"+string(ft), ft)
		assert.Contains(t, poc, "Vault.sol:1", ft)
	}

	// Unknown types fall back to the generic skeleton.
	generic := renderPoC(&models.Finding{Type: "novel_class", Title: "t", Location: "l"})
	assert.Contains(t, generic, "contract FindingPoC")
}

func TestReferencesLiveRPC(t *testing.T) {
	tests := []struct {
		poc  string
		live bool
	}{
		{`vm.createFork("https://eth-mainnet.g.alchemy.com/v2/key")`, true},
		{`vm.createFork("http://rpc.internal:8545")`, true},
		{`vm.createFork("http://localhost:8545")`, false},
		{`vm.createFork("http://127.0.0.1:8545")`, false},
		{`contract P {} // no urls at all`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.live, referencesLiveRPC(tt.poc), tt.poc)
	}
}

func TestSanitizer(t *testing.T) {
	s, err := NewSanitizer([]config.PatternConfig{
		{Name: "path_escape", Pattern: `\.\./`},
		{Name: "exec_call", Pattern: `(?i)\b(ffi|vm\.ffi|exec|system|popen)\s*\(`},
	})
	require.NoError(t, err)

	assert.NoError(t, s.Check("contract Clean {}"))

	err = s.Check(`readFile("../../etc/passwd")`)
	require.ErrorIs(t, err, service.ErrUnsafeInput)
	assert.Contains(t, err.Error(), "path_escape")

	err = s.Check(`ffi(["id"])`)
	require.ErrorIs(t, err, service.ErrUnsafeInput)
}

func TestSanitizerRejectsBadPattern(t *testing.T) {
	_, err := NewSanitizer([]config.PatternConfig{{Name: "broken", Pattern: `([`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSandboxWriteAndDestroy(t *testing.T) {
	sb, err := newSandbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sb.writePoC("contract P {}"))
	data, err := os.ReadFile(filepath.Join(sb.dir, "test", "PoC.t.sol"))
	require.NoError(t, err)
	assert.Equal(t, "contract P {}", string(data))

	sb.destroy()
	_, err = os.Stat(sb.dir)
	assert.True(t, os.IsNotExist(err))
}
