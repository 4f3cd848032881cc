package tracking

import "github.com/s0uth-cloud/droptimize-driver/internal/monitoring"

var logf = monitoring.Component("tracking")
