package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Middleware converts AppError (and any other error attached via c.Error)
// into the JSON {detail} shape, logging 5xx at error level and 4xx at
// warn level.
func Middleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		ae := As(err)

		if ae.StatusCode >= 500 {
			log.Error().Str("kind", string(ae.Kind)).Str("details", ae.Details).Msg(ae.Message)
		} else {
			log.Warn().Str("kind", string(ae.Kind)).Msg(ae.Message)
		}

		if !c.Writer.Written() {
			c.JSON(ae.StatusCode, ae.ToResponse())
		}
	}
}

// Recovery recovers from panics in handlers and answers with a
// generic 500.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, Response{Detail: "an internal error occurred"})
			}
		}()
		c.Next()
	}
}

// Abort aborts the request with the given AppError.
func Abort(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
