package osmem

import "github.com/vkngwrapper/bedrock/memutils"

var errUnsupported = memutils.ErrUnsupported
