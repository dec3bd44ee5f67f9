package builder_test

import (
	"fmt"

	"github.com/maxdollinger/sandboxd/internal/builder"
	"github.com/opencontainers/go-digest"
)

func ExampleChainID() {
	base := digest.Digest("sha256:5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef")
	top := digest.Digest("sha256:6e340b9cffb37a989ca544e6bb780a2c78901d3fb33738768511a30617afa01d")

	fmt.Println(builder.ChainID([]digest.Digest{base}) == base)
	fmt.Println(builder.ChainID([]digest.Digest{base, top}) == digest.FromString(base.String()+" "+top.String()))
	// Output:
	// true
	// true
}
