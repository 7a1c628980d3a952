package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gopagesim/uvm/vm"
)

func TestMakeBuilderDefaults(t *testing.T) {
	cfg := MakeBuilder().Build()
	assert.EqualValues(t, DefaultPageSize, cfg.PageSize)
	assert.EqualValues(t, DefaultGPUMemory, cfg.GPUMemory)
	assert.Equal(t, vm.LRU, cfg.ReplacementPolicy)
	assert.True(t, cfg.EnablePrefetch)
}

func TestBuilderIsImmutablePerCall(t *testing.T) {
	base := MakeBuilder()
	withPolicy := base.WithReplacementPolicy(vm.CLOCK)

	assert.Equal(t, vm.LRU, base.Build().ReplacementPolicy, "the original builder must be unaffected")
	assert.Equal(t, vm.CLOCK, withPolicy.Build().ReplacementPolicy)
}

func TestFromEnvOverridesPageSize(t *testing.T) {
	t.Setenv("UVM_PAGE_SIZE", "8192")
	cfg := MakeBuilder().FromEnv().Build()
	assert.EqualValues(t, 8192, cfg.PageSize)
}

func TestFromEnvIgnoresMalformedValue(t *testing.T) {
	t.Setenv("UVM_PAGE_SIZE", "not-a-number")
	cfg := MakeBuilder().FromEnv().Build()
	assert.EqualValues(t, DefaultPageSize, cfg.PageSize)
}
