package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Embed frame dimensions.
const (
	embedWidth  = 1024
	embedHeight = 512
)

const embedPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Dream Window</title>
<style>
  html, body { margin: 0; padding: 0; background: #000; overflow: hidden; }
  #frame { width: %dpx; height: %dpx; object-fit: cover; display: block; }
  #overlay {
    position: absolute; top: 8px; left: 8px; color: #999;
    font: 12px monospace; background: rgba(0,0,0,0.5); padding: 2px 6px;
  }
</style>
</head>
<body>
<img id="frame" width="%d" height="%d" alt="">
<div id="overlay">connecting</div>
<script>
(function() {
  var img = document.getElementById("frame");
  var overlay = document.getElementById("overlay");
  var lastURL = null;

  function connect() {
    var ws = new WebSocket("%s");
    ws.binaryType = "blob";

    ws.onmessage = function(ev) {
      if (typeof ev.data === "string") {
        try {
          var msg = JSON.parse(ev.data);
          if (msg.type === "status") {
            overlay.textContent = msg.status + (msg.message ? ": " + msg.message : "");
            overlay.style.display = msg.status === "ready" ? "none" : "block";
          }
        } catch (e) {}
        return;
      }
      var blob = ev.data.slice(1);
      var url = URL.createObjectURL(blob);
      img.onload = function() {
        if (lastURL) URL.revokeObjectURL(lastURL);
        lastURL = url;
      };
      img.src = url;
    };

    ws.onclose = function() {
      overlay.style.display = "block";
      overlay.textContent = "reconnecting";
      setTimeout(connect, 2000);
    };

    setInterval(function() {
      if (ws.readyState === WebSocket.OPEN) {
        ws.send(JSON.stringify({type: "ping"}));
      }
    }, 30000);
  }

  connect();
})();
</script>
</body>
</html>
`

type embedResponse struct {
	IframeURL string `json:"iframe_url"`
	ImageURL  string `json:"image_url"`
	StreamURL string `json:"stream_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Embed returns the URLs an embedding page needs, plus the nominal size.
func (h *Handlers) Embed(c *gin.Context) {
	base := h.httpBase(c)
	c.JSON(http.StatusOK, embedResponse{
		IframeURL: base + "/embed",
		ImageURL:  base + "/api/dreams/current",
		StreamURL: wsBase(base) + "/ws/dreams",
		Width:     embedWidth,
		Height:    embedHeight,
	})
}

// Player serves a self-contained HTML page that subscribes to the viewer
// WebSocket and renders the stream at the fixed embed size. This is the
// iframe target advertised by Embed.
func (h *Handlers) Player(c *gin.Context) {
	endpoint := wsBase(h.httpBase(c)) + "/ws/dreams"
	page := fmt.Sprintf(embedPage, embedWidth, embedHeight, embedWidth, embedHeight, endpoint)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// httpBase returns PUBLIC_BASE_URL when configured, otherwise the base URL
// implied by the request.
func (h *Handlers) httpBase(c *gin.Context) string {
	if base := strings.TrimSuffix(h.cfg.PublicBaseURL, "/"); base != "" {
		return base
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// wsBase converts an http(s) base URL into its ws(s) form.
func wsBase(base string) string {
	return strings.Replace(base, "http", "ws", 1)
}
