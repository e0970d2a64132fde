package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/device"
	"github.com/23skdu/longbow-infini/internal/engine"
)

func adaptersCmd() *cli.Command {
	return &cli.Command{
		Name:  "adapters",
		Usage: "List compute adapters and engine backends",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return listAdapters(cmd.Root().Writer)
		},
	}
}

func listAdapters(w io.Writer) error {
	var data [][]string
	for _, a := range device.Adapters() {
		limit := "unlimited"
		if a.MemoryLimit > 0 {
			limit = strconv.FormatInt(a.MemoryLimit, 10)
		}
		data = append(data, []string{a.Name, a.Kind, strconv.Itoa(a.MaxWorkers), limit})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ADAPTER", "KIND", "WORKERS", "MEMORY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	_, err := fmt.Fprintf(w, "\nbackends: %s\n", strings.Join(engine.Backends(), ", "))
	return err
}
