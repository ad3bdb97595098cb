// Command gdrive-auth runs the OAuth consent flow once and prints the
// refresh token used by STORAGE_PROVIDER=gdrive.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"storybook/internal/pkg/logger"
)

const consentTimeout = 3 * time.Minute

func main() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
	log := logger.NewDefault().WithComponent("gdrive-auth")

	clientID := strings.TrimSpace(os.Getenv("GDRIVE_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("GDRIVE_CLIENT_SECRET"))
	if clientID == "" || clientSecret == "" {
		log.LogFatal("missing credentials", fmt.Errorf("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required"))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("failed to open callback listener", err)
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		// Only files created by the service.
		Scopes:      []string{drive.DriveFileScope},
		RedirectURL: redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code, err := callbackCode(r, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			errCh <- err
			return
		}
		fmt.Fprintln(w, "Authorized. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	// Offline access with forced consent so a refresh token is issued.
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("\nOpen this URL in your browser:\n\n%s\n\n", authURL)
	log.Info("waiting for authorization", "redirect_url", redirectURL, "timeout", consentTimeout.String())

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.LogFatal("authorization failed", err)
	case <-time.After(consentTimeout):
		_ = srv.Close()
		log.LogFatal("authorization failed", fmt.Errorf("timed out after %s", consentTimeout))
	}
	_ = srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.LogFatal("token exchange failed", err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		log.Warn("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and run again")
		os.Exit(1)
	}
	fmt.Printf("\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
}

func callbackCode(r *http.Request, state string) (string, error) {
	q := r.URL.Query()
	if q.Get("state") != state {
		return "", fmt.Errorf("invalid state")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("auth error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("missing code")
	}
	return code, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
