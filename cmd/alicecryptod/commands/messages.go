package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/alicecrypto/alicecrypto/store"
)

// messages: dump stored ciphertexts. The server never keeps session keys, so
// nothing here can be decrypted.
func messagesCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List stored encrypted messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Driver == store.DriverNone {
				return fmt.Errorf("store driver is %q, nothing is persisted", store.DriverNone)
			}
			st, err := store.OpenReadOnly(cfg.Store.Driver, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			for _, r := range records {
				fmt.Fprintf(out, "#%d [%s] %s iv=%s content=%s\n",
					r.ID, r.Timestamp.Format(time.RFC3339), r.Sender, r.IV, r.ContentEncrypted)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
