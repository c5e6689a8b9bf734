package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "create":
		createTenant(args)
	case "list":
		listTenants(args)
	case "get":
		getTenant(args)
	case "delete":
		deleteTenant(args)
	case "watch":
		watchTenant(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func createTenant(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	subdomain := fs.String("subdomain", "", "tenant subdomain (lowercase DNS label)")
	fs.Parse(args)

	if *subdomain == "" {
		fmt.Println("Error: subdomain is required")
		fs.PrintDefaults()
		return
	}

	payload := map[string]string{"subdomain": *subdomain}
	data, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", getAPIURL()+"/tenants", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	switch resp.StatusCode {
	case http.StatusCreated:
		fmt.Printf("✓ Tenant requested: %v\n", result["id"])
		fmt.Printf("  url: %v\n", result["url"])
		fmt.Printf("  status: %v\n", result["status"])
	case http.StatusConflict:
		fmt.Printf("✗ Subdomain already in use: %s\n", *subdomain)
	default:
		fmt.Printf("✗ Create failed (%d): %v\n", resp.StatusCode, result["error"])
	}
}

func listTenants(args []string) {
	_ = args
	req, _ := http.NewRequest("GET", getAPIURL()+"/tenants", nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result struct {
		Tenants []map[string]interface{} `json:"tenants"`
	}
	json.NewDecoder(resp.Body).Decode(&result)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBDOMAIN\tSTATUS\tURL\tCREATED")
	for _, t := range result.Tenants {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			t["id"], t["subdomain"], t["status"], t["url"], t["createdAt"])
	}
	w.Flush()
}

func getTenant(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: tenantctl get <tenant-id>")
		return
	}

	tenant, status, err := fetchTenant(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if status == http.StatusNotFound {
		fmt.Printf("✗ Tenant not found: %s\n", args[0])
		return
	}

	out, _ := json.MarshalIndent(tenant, "", "  ")
	fmt.Println(string(out))
}

func deleteTenant(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: tenantctl delete <tenant-id>")
		return
	}

	fmt.Println("Tearing down tenant, this can take a few minutes...")
	req, _ := http.NewRequest("DELETE", getAPIURL()+"/tenants/"+args[0], nil)
	addAuthHeader(req)

	// Teardown is synchronous on the server side.
	client := &http.Client{Timeout: 15 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		fmt.Printf("✓ Tenant deleted: %s\n", args[0])
	case http.StatusNotFound:
		fmt.Printf("✗ Tenant not found: %s\n", args[0])
	default:
		var result map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&result)
		fmt.Printf("✗ Delete failed (%d): %v\n", resp.StatusCode, result["error"])
	}
}

// watchTenant polls the tenant until it reaches a terminal status, printing
// each transition as it appears.
func watchTenant(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: tenantctl watch <tenant-id>")
		return
	}
	id := args[0]

	last := ""
	for {
		tenant, status, err := fetchTenant(id)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if status == http.StatusNotFound {
			fmt.Printf("✗ Tenant not found: %s\n", id)
			return
		}

		current, _ := tenant["status"].(string)
		if current != last {
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), current)
			if msg, ok := tenant["errorMessage"].(string); ok && msg != "" {
				fmt.Printf("          error: %s\n", msg)
			}
			last = current
		}
		switch current {
		case "ACTIVE", "FAILED", "DELETED":
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func fetchTenant(id string) (map[string]interface{}, int, error) {
	req, _ := http.NewRequest("GET", getAPIURL()+"/tenants/"+id, nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var tenant map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&tenant)
	return tenant, resp.StatusCode, nil
}

// Helper functions
func getAPIURL() string {
	if url := os.Getenv("TENANTFORGE_API"); url != "" {
		return url
	}
	return "http://localhost:8080/api"
}

func addAuthHeader(req *http.Request) {
	token := os.Getenv("TENANTFORGE_TOKEN")
	if token == "" {
		data, _ := os.ReadFile(tokenFile())
		token = string(data)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func tokenFile() string {
	home, _ := os.UserHomeDir()
	return home + "/.tenantforge/token"
}

func printUsage() {
	fmt.Print(`TenantForge CLI

Usage:
  tenantctl <command> [options]

Commands:
  create   Request a new tenant (-subdomain)
  list     List all tenants
  get      Show one tenant by id
  delete   Tear down a tenant by id (synchronous)
  watch    Follow a tenant's status until it settles
  help     Show this help message

Environment Variables:
  TENANTFORGE_API      API endpoint (default: http://localhost:8080/api)
  TENANTFORGE_TOKEN    Bearer token (falls back to ~/.tenantforge/token)

Examples:
  tenantctl create -subdomain acme
  tenantctl watch 6b9f...
  tenantctl delete 6b9f...
`)
}
