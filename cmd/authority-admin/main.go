// ABOUTME: Owner CLI for the adaos root authority
// ABOUTME: Approvals, device listing, revocation and audit inspection

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/config"
	"github.com/adaos/authority/internal/flows"
	"github.com/adaos/authority/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: authority-admin <command> [args]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  pending --subnet ID            List unresolved consents")
		fmt.Println("  approve CONSENT_ID             Approve a consent")
		fmt.Println("  deny CONSENT_ID                Deny a consent")
		fmt.Println("  confirm USER_CODE [ALIAS...]   Approve a device pairing by user code")
		fmt.Println("  devices                        List devices the owner can see")
		fmt.Println("  revoke DEVICE_ID [REASON]      Permanently revoke a device")
		fmt.Println("  denylist --subnet ID           Show revoked device IDs")
		fmt.Println("  audit --subnet ID              Show recent audit events")
		fmt.Println()
		fmt.Println("The acting owner device is taken from ADAOS_OWNER_DEVICE.")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	b, err := backend.New(cfg, s)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	ownerID := os.Getenv("ADAOS_OWNER_DEVICE")
	console := flows.NewOwnerConsole(b, ownerID, uuid.NewString)

	switch command {
	case "pending":
		return runPending(ctx, console, flagValue(args, "--subnet"))
	case "approve":
		return runResolve(ctx, console, args, true)
	case "deny":
		return runResolve(ctx, console, args, false)
	case "confirm":
		return runConfirm(ctx, console, args)
	case "devices":
		return runDevices(ctx, b, ownerID)
	case "revoke":
		return runRevoke(ctx, console, args)
	case "denylist":
		return runDenylist(ctx, b, flagValue(args, "--subnet"))
	case "audit":
		return runAudit(ctx, b, flagValue(args, "--subnet"))
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runPending(ctx context.Context, console *flows.OwnerConsole, subnetID string) error {
	if subnetID == "" {
		return fmt.Errorf("usage: authority-admin pending --subnet ID")
	}

	pending, err := console.PendingConsents(ctx, subnetID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("(no pending consents)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONSENT\tTYPE\tREQUESTER\tSCOPES\tEXPIRES")
	fmt.Fprintln(w, "-------\t----\t---------\t------\t-------")
	for _, c := range pending {
		expires := c.ExpiresAt
		if t, err := time.Parse(time.RFC3339, c.ExpiresAt); err == nil {
			expires = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(c.ConsentID, 24), c.Type, truncate(c.RequesterID, 20),
			strings.Join(c.ScopesRequested, ","), expires)
	}
	return w.Flush()
}

func runResolve(ctx context.Context, console *flows.OwnerConsole, args []string, approve bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: authority-admin approve|deny CONSENT_ID")
	}

	if err := console.ResolveConsent(ctx, args[0], approve, nil); err != nil {
		return err
	}

	if approve {
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("Approved %s\n", args[0])
	} else {
		color.New(color.FgYellow).Print("✗ ")
		fmt.Printf("Denied %s\n", args[0])
	}
	return nil
}

func runConfirm(ctx context.Context, console *flows.OwnerConsole, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: authority-admin confirm USER_CODE [ALIAS...]")
	}

	deviceID, err := console.ConfirmUserCode(ctx, args[0], nil, args[1:])
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Confirmed pairing %s\n", args[0])
	fmt.Printf("  Device: %s\n", deviceID)
	return nil
}

func runDevices(ctx context.Context, b *backend.Backend, ownerID string) error {
	resp, err := b.ListDevices(ctx, ownerID, nil)
	if err != nil {
		return err
	}

	var out struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Devices []struct {
			DeviceID string   `json:"device_id"`
			Role     string   `json:"role"`
			Scopes   []string `json:"scopes"`
			Aliases  []string `json:"aliases"`
			Revoked  bool     `json:"revoked"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s (%s)", out.Message, out.Code)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tROLE\tSCOPES\tALIASES\tSTATUS")
	fmt.Fprintln(w, "------\t----\t------\t-------\t------")
	for _, d := range out.Devices {
		status := "active"
		if d.Revoked {
			status = color.RedString("revoked")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(d.DeviceID, 24), d.Role,
			strings.Join(d.Scopes, ","), strings.Join(d.Aliases, ","), status)
	}
	return w.Flush()
}

func runRevoke(ctx context.Context, console *flows.OwnerConsole, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: authority-admin revoke DEVICE_ID [REASON]")
	}
	reason := ""
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	if err := console.RevokeDevice(ctx, args[0], reason); err != nil {
		return err
	}

	color.New(color.FgRed).Print("✗ ")
	fmt.Printf("Revoked %s\n", args[0])
	return nil
}

func runDenylist(ctx context.Context, b *backend.Backend, subnetID string) error {
	if subnetID == "" {
		return fmt.Errorf("usage: authority-admin denylist --subnet ID")
	}

	resp, err := b.FetchDenylist(ctx, subnetID)
	if err != nil {
		return err
	}

	var out struct {
		RevokedIDs []string `json:"revoked_ids"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(out.RevokedIDs) == 0 {
		fmt.Println("(denylist is empty)")
		return nil
	}
	for _, id := range out.RevokedIDs {
		fmt.Println(id)
	}
	return nil
}

func runAudit(ctx context.Context, b *backend.Backend, subnetID string) error {
	if subnetID == "" {
		return fmt.Errorf("usage: authority-admin audit --subnet ID")
	}

	resp, err := b.ListAuditEvents(ctx, subnetID, 50)
	if err != nil {
		return err
	}

	var out struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tACTION\tACTOR\tSUBJECT")
	fmt.Fprintln(w, "-----\t------\t-----\t-------")
	for _, e := range out.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncate(stringField(e, "event_id"), 24),
			stringField(e, "action"),
			truncate(stringField(e, "actor_id"), 20),
			truncate(stringField(e, "subject_id"), 20))
	}
	return w.Flush()
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func flagValue(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(args[i], name+"=") {
			return strings.TrimPrefix(args[i], name+"=")
		}
	}
	return ""
}

func getConfigPath() string {
	if envPath := os.Getenv("ADAOS_AUTHORITY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "authority.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "adaos", "authority.yaml")
}
