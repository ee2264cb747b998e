package scheduler

import "github.com/maruel/ksid"

func genID() string { return ksid.NewID().String() }
