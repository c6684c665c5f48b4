package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type indexView struct {
	AppName          string
	Version          string
	Provider         string
	LongTokenCapable bool
	SignedIn         bool

	IDToken         string
	AccessToken     string
	Claims          string
	Profile         string
	AuthError       string
	LongAccessToken string
	LongTokenType   string
	LongExpiresIn   string
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(r)
	view := indexView{
		AppName:          a.Config.App.Name,
		Version:          a.Config.App.Version,
		Provider:         a.Config.OAuth.ProviderName,
		LongTokenCapable: a.Config.LongTokenCapable(),
		IDToken:          sess.GetString(keyIDToken),
		AccessToken:      sess.GetString(keyAccessToken),
		Claims:           prettyJSON(sess, keyClaims),
		Profile:          prettyJSON(sess, keyProfile),
		AuthError:        prettyJSON(sess, keyAuthError),
		LongAccessToken:  sess.GetString(keyLongAccessToken),
		LongTokenType:    sess.GetString(keyLongTokenType),
	}
	if v, ok := sess.Get(keyLongExpiresIn); ok {
		view.LongExpiresIn = fmt.Sprint(v)
	}
	view.SignedIn = view.AccessToken != "" || view.IDToken != ""

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, view); err != nil {
		a.Logger.Error("index.render_failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func prettyJSON(sess *Session, key string) string {
	v, ok := sess.Get(key)
	if !ok || v == nil {
		return ""
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
