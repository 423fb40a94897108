package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

var inspectAddr string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "print a running instance's entity tree as pretty JSON",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectAddr, "addr", "http://127.0.0.1:9441", "admin surface base URL")
}

func runInspect(_ *cobra.Command, _ []string) error {
	status, body, err := fasthttp.Get(nil, inspectAddr+"/entities")
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("inspect: admin surface returned status %d", status)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}
