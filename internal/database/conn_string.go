package database

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/tandem-realtime/internal/config"
)

// ApplicationName is reported to the server in pg_stat_activity.
const ApplicationName = "tandem-realtime"

// BuildConnString builds a PostgreSQL connection URL from config.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	if cfg.ConnectTimeout > 0 {
		secs := int(cfg.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	if cfg.Password == "" {
		u.User = url.User(cfg.User)
	}
	return u.String()
}
