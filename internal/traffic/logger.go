package traffic

import "github.com/sirupsen/logrus"

var log = logrus.WithField("module", "traffic")
