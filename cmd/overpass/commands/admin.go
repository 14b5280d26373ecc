package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/overpassnet/overpass/src/service"
)

var (
	serviceAddr string
	setKeyfile  string
	setKey      string
)

// NewAdminCmd produces the admin command, which groups the client commands
// for the relay's admin HTTP service.
func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Control a running relay",
	}

	cmd.PersistentFlags().StringVar(&serviceAddr, "service-addr", _config.ServiceAddr, "IP:Port of the relay's admin HTTP service")

	cmd.AddCommand(
		newGetIdentityCmd(),
		newSetIdentityCmd(),
		newResetIdentityCmd(),
		newStatsCmd(),
	)

	return cmd
}

func newGetIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-identity",
		Short: "Show the relay's current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet("/identity")
		},
	}
}

func newSetIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-identity",
		Short: "Rotate the relay's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if setKeyfile == "" && setKey == "" {
				return fmt.Errorf("one of --keyfile or --key is required")
			}
			return adminPost("/identity", service.SetIdentityRequest{
				Keyfile: setKeyfile,
				Key:     setKey,
			})
		},
	}

	cmd.Flags().StringVar(&setKeyfile, "keyfile", "", "Path, on the relay host, of the keyfile to rotate to")
	cmd.Flags().StringVar(&setKey, "key", "", "Raw hex dump of the key to rotate to")

	return cmd
}

func newResetIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-identity",
		Short: "Rotate the relay to a fresh random identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/identity/reset", nil)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show relay stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet("/stats")
		},
	}
}

func adminGet(path string) error {
	client := http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s%s", serviceAddr, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func adminPost(path string, body interface{}) error {
	client := http.Client{Timeout: 10 * time.Second}

	raw := []byte("{}")
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	resp, err := client.Post(fmt.Sprintf("http://%s%s", serviceAddr, path), "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	fmt.Println(string(bytes.TrimSpace(raw)))

	return nil
}
