// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"digital-certificate-service/internal/middleware"
)

const version = "1.0.0"

var (
	apiURL   string
	output   string
	timeout  time.Duration
	tenantID string
	userID   string
	role     string
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "certctl",
		Short: "Digital Certificate Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("CERTCTL_API_URL")
			}
			if tenantID == "" {
				tenantID = os.Getenv("CERTCTL_TENANT_ID")
			}
			if userID == "" {
				userID = os.Getenv("CERTCTL_USER_ID")
			}
			if role == "" {
				role = os.Getenv("CERTCTL_ROLE")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set CERTCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Tenant ID (or set CERTCTL_TENANT_ID)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User ID (or set CERTCTL_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "User role (or set CERTCTL_ROLE)")

	// サブコマンド登録
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(listCmd("list", "List certificates visible to the user", "/v1/certificates"))
	rootCmd.AddCommand(listCmd("mine", "List the user's own lawyer certificates", "/v1/certificates/mine"))
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(actionCmd("activate", "Activate a certificate"))
	rootCmd.AddCommand(actionCmd("deactivate", "Deactivate a certificate"))
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("certctl version %s\n", version)
		},
	}
}

// call はアクターヘッダーを付与してAPIを呼び出し、期待するステータスでなければエラーを返す。
func call(method, path string, body io.Reader, contentType string, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set CERTCTL_API_URL)")
	}
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("--tenant and --user are required")
	}

	req, err := http.NewRequest(method, apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(middleware.HeaderTenantID, tenantID)
	req.Header.Set(middleware.HeaderUserID, userID)
	if role != "" {
		req.Header.Set(middleware.HeaderUserRole, role)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

type certificateRow struct {
	ID         string  `json:"id"`
	OwnerID    string  `json:"owner_id"`
	Type       string  `json:"type"`
	Scope      string  `json:"scope"`
	Label      string  `json:"label"`
	IsActive   bool    `json:"is_active"`
	ValidUntil *string `json:"valid_until"`
	CreatedAt  string  `json:"created_at"`
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// policyCmd はテナントの証明書ポリシーを表示する。
func policyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the tenant certificate policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/certificates/policy", nil, "", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Policy        string   `json:"policy"`
				AllowedScopes []string `json:"allowed_scopes"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Policy: %s (scopes: %v)\n", result.Policy, result.AllowedScopes)
			return nil
		},
	}
}

// listCmd は証明書一覧の取得コマンド。
func listCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, path, nil, "", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Certificates []certificateRow `json:"certificates"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSCOPE\tOWNER\tACTIVE\tLABEL\tVALID UNTIL")
			for _, c := range result.Certificates {
				owner := c.OwnerID
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", c.ID, c.Type, c.Scope, owner, c.IsActive, c.Label, orDash(c.ValidUntil))
			}
			return w.Flush()
		},
	}
}

// uploadCmd は証明書のアップロードコマンド。
// パスワードはシェル履歴に残らないよう環境変数からも受け付ける。
func uploadCmd() *cobra.Command {
	var (
		file       string
		password   string
		label      string
		certType   string
		scope      string
		validUntil string
		inactive   bool
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a PKCS#12 (.pfx/.p12) certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("CERTCTL_CERT_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password is required (or set CERTCTL_CERT_PASSWORD)")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading certificate file: %w", err)
			}

			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			fw, err := mw.CreateFormFile("certificate", filepath.Base(file))
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			if _, err := fw.Write(data); err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			fields := map[string]string{
				"password":   password,
				"label":      label,
				"type":       certType,
				"scope":      scope,
				"validUntil": validUntil,
				"activate":   strconv.FormatBool(!inactive),
			}
			for k, v := range fields {
				if v == "" {
					continue
				}
				if err := mw.WriteField(k, v); err != nil {
					return fmt.Errorf("building request: %w", err)
				}
			}
			if err := mw.Close(); err != nil {
				return fmt.Errorf("building request: %w", err)
			}

			body, err := call(http.MethodPost, "/v1/certificates", &buf, mw.FormDataContentType(), http.StatusCreated)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var c certificateRow
			if err := json.Unmarshal(body, &c); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Uploaded certificate %s (%s/%s, active: %t, valid until: %s)\n", c.ID, c.Type, c.Scope, c.IsActive, orDash(c.ValidUntil))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to the .pfx/.p12 file (required)")
	cmd.Flags().StringVar(&password, "password", "", "Certificate password (or set CERTCTL_CERT_PASSWORD)")
	cmd.Flags().StringVar(&label, "label", "", "Display label")
	cmd.Flags().StringVar(&certType, "type", "", "Certificate type: PJE, EPROC, PROJUDI, ESAJ (default PJE)")
	cmd.Flags().StringVar(&scope, "scope", "", "Certificate scope: OFFICE, LAWYER (default OFFICE)")
	cmd.Flags().StringVar(&validUntil, "valid-until", "", "Expiry date (YYYY-MM-DD or RFC3339); defaults to the certificate's notAfter")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Upload without activating")
	cmd.MarkFlagRequired("file")
	return cmd
}

// actionCmd は有効化・無効化コマンド。
func actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <certificate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/certificates/%s/%s", url.PathEscape(args[0]), action)
			body, err := call(http.MethodPost, path, nil, "", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				ID       string `json:"id"`
				IsActive bool   `json:"is_active"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Certificate %s is now active: %t\n", result.ID, result.IsActive)
			return nil
		},
	}
}

// testCmd は証明書のテストコマンド。
func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <certificate-id>",
		Short: "Test a stored certificate (load and connectivity probe)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/certificates/%s/test", url.PathEscape(args[0]))
			body, err := call(http.MethodPost, path, nil, "", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Println(result.Message)
			return nil
		},
	}
}

// logsCmd は証明書の操作ログ取得コマンド。
func logsCmd() *cobra.Command {
	var (
		cursor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs <certificate-id>",
		Short: "Show the certificate audit log (newest first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := fmt.Sprintf("/v1/certificates/%s/logs", url.PathEscape(args[0]))
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			body, err := call(http.MethodGet, path, nil, "", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				Items []struct {
					Action    string `json:"action"`
					ActorID   string `json:"actor_id"`
					Message   string `json:"message"`
					CreatedAt string `json:"created_at"`
				} `json:"items"`
				NextCursor string `json:"next_cursor"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CREATED_AT\tACTION\tACTOR\tMESSAGE")
			for _, e := range result.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt, e.Action, e.ActorID, e.Message)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if result.NextCursor != "" {
				fmt.Printf("\nNext page: --cursor %s\n", result.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor returned by the previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default 20, max 100)")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		if errResp.Detail != "" {
			return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Detail)
		}
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
