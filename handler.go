package serve

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// ProxyDispatcher gets first refusal on every request. Dispatch returns
// true if it handled the request, in which case nothing else runs.
type ProxyDispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request) bool
}

// PipelineConfig selects the optional stages of the request pipeline.
type PipelineConfig struct {
	CORS     bool // Access-Control-Allow-Origin: *
	Compress bool
}

// corsHeaders are the request headers allowed cross origin.
var corsHeaders = []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Range"}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewPipeline returns the handler every listener dispatches requests to:
//
//   CORS (optional) -> compression (optional) -> proxy -> content
//
// proxy may be nil.
func NewPipeline(cfg PipelineConfig, proxy ProxyDispatcher, content http.Handler) http.Handler {

	engine := gin.New()
	engine.Use(gin.Recovery(), writeEmptyNotFound)

	if cfg.CORS {
		// cors only answers requests carrying Origin.
		engine.Use(func(c *gin.Context) {
			c.Header("Access-Control-Allow-Origin", "*")
		})
		engine.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowHeaders:    corsHeaders,
		}))
	}
	if cfg.Compress {
		engine.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	engine.NoRoute(func(c *gin.Context) {
		// NoRoute handlers start out with 404.
		c.Status(http.StatusOK)
		if proxy == nil || !proxy.Dispatch(c.Writer, c.Request) {
			content.ServeHTTP(c.Writer, c.Request)
		}
	})
	return engine
}

// writeEmptyNotFound sends a 404 without body as is. Left unwritten, gin
// would fill in its own "404 page not found".
func writeEmptyNotFound(c *gin.Context) {
	c.Next()
	if !c.Writer.Written() && c.Writer.Status() == http.StatusNotFound {
		c.Writer.WriteHeaderNow()
	}
}
