// gwpctl is a CLI tool for driving a running gift widget daemon.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	gwpctl status [-addr URL]
//	gwpctl select -variant ID
//	gwpctl edit
//	gwpctl sync
//	gwpctl notify -kind cart:add [-origin ID] [-source NAME] [-items N]
//
// Examples:
//
//	gwpctl status -q               # prints "eligible" or "locked"
//	gwpctl edit && gwpctl select -variant 4410
//	gwpctl notify -kind cart:update -source product-form
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

var client = &http.Client{Timeout: 90 * time.Second}

// Global flags (apply to all commands)
var (
	daemonURL string
	quiet     bool
	noColor   bool
	verbose   bool
)

// ANSI color codes
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		disableColors()
	}
}

func disableColors() {
	colorReset, colorRed, colorGreen, colorYellow = "", "", "", ""
	colorCyan, colorGray, colorBold = "", "", ""
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		runStatus(args)
	case "select":
		runSelect(args)
	case "edit":
		runEdit(args)
	case "sync":
		runSync(args)
	case "notify":
		runNotify(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `gwpctl - gift widget control tool

Usage:
  gwpctl <command> [options]

Commands:
  status    Show the widget's gift state
  select    Choose the standard gift and reconcile the cart
  edit      Re-open the gift picker
  sync      Reconcile the cart now
  notify    Send a cart notification, as a page script would

Examples:
  # Is the gift unlocked?
  gwpctl status -q

  # Swap the chosen gift
  gwpctl edit && gwpctl select -variant 4410

  # Tell the widget another script changed the cart
  gwpctl notify -kind cart:add -source product-form

Run 'gwpctl <command> -h' for command-specific options.
`)
}

// commonFlags registers the flags every command accepts.
func commonFlags(fs *flag.FlagSet) {
	fs.StringVar(&daemonURL, "addr", envOr("GWP_ADDR", "http://localhost:8080"), "gwpd base URL")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - minimal output")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&verbose, "v", false, "Verbose - show full request/response")
}

func parse(fs *flag.FlagSet, args []string) {
	fs.Parse(args)
	if noColor {
		disableColors()
	}
}

// =============================================================================
// STATUS COMMAND
// =============================================================================

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	commonFlags(fs)
	parse(fs, args)

	resp, err := doRequest("GET", "/widget", nil, nil)
	if err != nil {
		fatal("Failed to get widget: %v", err)
	}

	if quiet {
		if eligible, _ := resp["eligible"].(bool); eligible {
			fmt.Println("eligible")
		} else {
			fmt.Println("locked")
		}
		return
	}
	printStatus(resp)
}

// =============================================================================
// SELECT COMMAND
// =============================================================================

func runSelect(args []string) {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	commonFlags(fs)
	var variantID int64
	fs.Int64Var(&variantID, "variant", 0, "Gift variant ID (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gwpctl select -variant ID [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	parse(fs, args)

	if variantID <= 0 {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest("POST", "/widget/gift", map[string]int64{"variant_id": variantID}, nil)
	if err != nil {
		fatal("Failed to select gift: %v", err)
	}

	printSuccess("Gift %d selected", variantID)
	printOutcome(resp)
}

// =============================================================================
// EDIT / SYNC COMMANDS
// =============================================================================

func runEdit(args []string) {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	commonFlags(fs)
	parse(fs, args)

	resp, err := doRequest("POST", "/widget/edit", nil, nil)
	if err != nil {
		fatal("Failed to enter edit mode: %v", err)
	}
	printSuccess("Gift picker open")
	if !quiet {
		printStatus(resp)
	}
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	commonFlags(fs)
	parse(fs, args)

	resp, err := doRequest("POST", "/widget/sync", nil, nil)
	if err != nil {
		fatal("Failed to reconcile: %v", err)
	}
	printSuccess("Cart reconciled")
	printOutcome(resp)
}

// =============================================================================
// NOTIFY COMMAND
// =============================================================================

func runNotify(args []string) {
	fs := flag.NewFlagSet("notify", flag.ExitOnError)
	commonFlags(fs)
	var kind, origin, source string
	var items int
	fs.StringVar(&kind, "kind", "cart:update", "Notification kind: cart:update or cart:add")
	fs.StringVar(&origin, "origin", "", "Widget instance that caused the change")
	fs.StringVar(&source, "source", "", "Page script that caused the change")
	fs.IntVar(&items, "items", 0, "Cart item count after the change")
	parse(fs, args)

	headers := map[string]string{}
	if origin != "" || source != "" {
		value, err := originHeader(origin, source)
		if err != nil {
			fatal("Invalid origin: %v", err)
		}
		headers["Gift-Origin"] = value
	}

	body := map[string]interface{}{"kind": kind}
	if items > 0 {
		body["item_count"] = items
	}

	if _, err := doRequest("POST", "/events/cart", body, headers); err != nil {
		fatal("Failed to send notification: %v", err)
	}
	printSuccess("Notification %s sent", kind)
}

// originHeader serializes the Gift-Origin dictionary.
func originHeader(instance, source string) (string, error) {
	dict := httpsfv.NewDictionary()
	if instance != "" {
		dict.Add("instance", httpsfv.NewItem(instance))
	}
	if source != "" {
		dict.Add("source", httpsfv.NewItem(source))
	}
	return httpsfv.Marshal(dict)
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

func doRequest(method, path string, body interface{}, headers map[string]string) (map[string]interface{}, error) {
	var reqBody io.Reader
	var reqJSON []byte

	if body != nil {
		var err error
		reqJSON, err = json.MarshalIndent(body, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequest(method, strings.TrimRight(daemonURL, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if verbose {
		printRequest(method, path, reqJSON)
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if verbose {
		printResponse(resp.StatusCode, respBody, duration)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if resp.StatusCode >= 400 {
		if e, ok := result["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%v: %v", e["code"], e["message"])
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return result, nil
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printStatus(resp map[string]interface{}) {
	eligible, _ := resp["eligible"].(bool)
	if eligible {
		fmt.Printf("  Gift: %sunlocked%s\n", colorGreen, colorReset)
	} else {
		fmt.Printf("  Gift: %slocked%s (%s more to go)\n", colorYellow, colorReset, resp["remaining"])
	}
	fmt.Printf("  Cart total: %s%v%s / threshold %v\n", colorCyan, resp["cart_total"], colorReset, resp["threshold"])
	if v, ok := resp["current_variant_id"].(float64); ok && v > 0 {
		fmt.Printf("  Selected: %s%.0f%s\n", colorBold, v, colorReset)
	}
	if vip, _ := resp["has_vip_gift"].(bool); vip {
		fmt.Printf("  VIP gift: %sin cart%s\n", colorGreen, colorReset)
	}
	if editing, _ := resp["editing"].(bool); editing {
		fmt.Printf("  %sPicker open%s\n", colorGray, colorReset)
	}
	if msg, _ := resp["message"].(string); msg != "" {
		printWarning("%s", msg)
	}
}

func printOutcome(resp map[string]interface{}) {
	if quiet {
		return
	}
	if out, ok := resp["outcome"].(map[string]interface{}); ok {
		if removed, ok := out["removed"].([]interface{}); ok && len(removed) > 0 {
			fmt.Printf("  Removed lines: %v\n", removed)
		}
		if added, ok := out["added"].([]interface{}); ok && len(added) > 0 {
			fmt.Printf("  Added variants: %v\n", added)
		}
		if verified, _ := out["verified"].(bool); !verified {
			printWarning("Cart did not confirm the removals")
		}
	}
	if status, ok := resp["status"].(map[string]interface{}); ok {
		printStatus(status)
	}
}

func printRequest(method, path string, body []byte) {
	fmt.Printf("\n%s▶ REQUEST%s %s%s %s%s\n", colorYellow, colorReset, colorBold, method, path, colorReset)
	if body != nil {
		printJSON(body, "  ")
	}
}

func printResponse(status int, body []byte, duration time.Duration) {
	statusColor := colorGreen
	if status >= 400 {
		statusColor = colorRed
	}
	fmt.Printf("\n%s◀ RESPONSE%s %s%d%s (%v)\n", colorCyan, colorReset, statusColor, status, colorReset, duration)
	printJSON(body, "  ")
}

func printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Printf("%s%s\n", prefix, string(data))
		return
	}
	fmt.Println(pretty.String())
}

func printSuccess(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf("%s✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
	}
}

func printWarning(format string, args ...interface{}) {
	fmt.Printf("%s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}
