// Package plugins pulls in the builtin plugin set. Importing it registers
// every builtin descriptor with the global registry; private deployments
// import their own packages after this one to override by priority.
package plugins

import (
	_ "edgenode/internal/plugins/business/alertrelay"
	_ "edgenode/internal/plugins/business/digest"
	_ "edgenode/internal/plugins/capture/netlistener"
	_ "edgenode/internal/plugins/capture/syssampler"
	_ "edgenode/internal/plugins/comm/wschannel"
	_ "edgenode/internal/plugins/serving/anomaly"
)
