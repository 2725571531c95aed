package others

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vessel/cmd/core"
	"github.com/projecteru2/vessel/types"
	"github.com/projecteru2/vessel/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Partition(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	sizeStr, _ := cmd.Flags().GetString("size")
	typeStr, _ := cmd.Flags().GetString("type")
	size, err := units.RAMInBytes(sizeStr)
	if err != nil {
		return fmt.Errorf("invalid --size %q: %w", sizeStr, err)
	}

	c := cmdcore.NewClient(conf)
	if err := c.InitializeWritablePartition(ctx, args[0], size, types.PartitionType(typeStr)); err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	log.WithFunc("cmd.partition").Infof(ctx, "initialized %s partition %s (%s)", typeStr, args[0], sizeStr)
	return nil
}

func (h Handler) Idsig(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	c := cmdcore.NewClient(conf)
	if err := c.CreateOrUpdateIdsigFile(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("idsig: %w", err)
	}
	log.WithFunc("cmd.idsig").Infof(ctx, "wrote idsig for %s to %s", args[0], args[1])
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
