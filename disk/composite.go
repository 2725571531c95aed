package disk

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/projecteru2/vessel/types"
)

// Composer assembles a composite disk image from an ordered partition list.
// The binary layout of the composite format belongs to the external tool;
// vessel only names the output files and keeps the constituents open.
type Composer interface {
	Compose(ctx context.Context, partitions []types.Partition, zeroFiller string, files CompositeFileSet) error
}

// ExecComposer delegates assembly to the VMM's create_composite subcommand.
type ExecComposer struct {
	Binary string
}

var _ Composer = (*ExecComposer)(nil)

// Compose runs: <binary> create_composite --zero-filler <z> --header <h>
// --footer <f> <composite> LABEL:PATH[:writable]...
func (c *ExecComposer) Compose(ctx context.Context, partitions []types.Partition, zeroFiller string, files CompositeFileSet) error {
	args := []string{
		"create_composite",
		"--zero-filler", zeroFiller,
		"--header", files.Header,
		"--footer", files.Footer,
		files.Composite,
	}
	for _, p := range partitions {
		spec := p.Label + ":" + p.Path
		if p.Writable {
			spec += ":writable"
		}
		args = append(args, spec)
	}

	out, err := exec.CommandContext(ctx, c.Binary, args...).CombinedOutput() //nolint:gosec
	if err != nil {
		return fmt.Errorf("%s create_composite: %s: %w", c.Binary, strings.TrimSpace(string(out)), err)
	}
	return nil
}
