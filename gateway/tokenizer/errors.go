package tokenizer

import "errors"

var errDecodeUnsupported = errors.New("estimator tokenizer does not support decode")
