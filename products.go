package stagecoord

import (
	"fmt"
	"sort"
	"strings"
)

// Product names an output a scene can be processed into.
type Product string

const (
	ProductRAD        Product = "RAD"
	ProductSATURATE   Product = "SATURATE"
	ProductTOA        Product = "TOA"
	ProductCLOUDS     Product = "CLOUDS"
	ProductCLEARSKY   Product = "CLEARSKY"
	ProductDDVAOT     Product = "DDVAOT"
	ProductDOSAOT     Product = "DOSAOT"
	ProductDOSAOTSGL  Product = "DOSAOTSGL"
	ProductSREF       Product = "SREF"
	ProductSTDSREF    Product = "STDSREF"
	ProductDOS        Product = "DOS"
	ProductTHERMAL    Product = "THERMAL"
	ProductTOPOSHADOW Product = "TOPOSHADOW"
	ProductFOOTPRINT  Product = "FOOTPRINT"
	ProductMETADATA   Product = "METADATA"
	ProductSHARP      Product = "SHARP"
)

var knownProducts = map[Product]struct{}{
	ProductRAD: {}, ProductSATURATE: {}, ProductTOA: {}, ProductCLOUDS: {},
	ProductCLEARSKY: {}, ProductDDVAOT: {}, ProductDOSAOT: {}, ProductDOSAOTSGL: {},
	ProductSREF: {}, ProductSTDSREF: {}, ProductDOS: {}, ProductTHERMAL: {},
	ProductTOPOSHADOW: {}, ProductFOOTPRINT: {}, ProductMETADATA: {}, ProductSHARP: {},
}

// KnownProducts returns every supported product name, sorted.
func KnownProducts() []string {
	out := make([]string, 0, len(knownProducts))
	for p := range knownProducts {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

// ProductSet is the list of products requested for a scene.
type ProductSet []Product

// ParseProducts converts names to a ProductSet, rejecting unknown names.
// Names are case-insensitive and duplicates are dropped.
func ParseProducts(names []string) (ProductSet, error) {
	seen := make(map[Product]bool, len(names))
	out := make(ProductSet, 0, len(names))
	for _, n := range names {
		p := Product(strings.ToUpper(strings.TrimSpace(n)))
		if p == "" {
			continue
		}
		if _, ok := knownProducts[p]; !ok {
			return nil, fmt.Errorf("%w: unknown product %q", ErrInvalidConfig, n)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Has reports whether p is in the set.
func (ps ProductSet) Has(p Product) bool {
	for _, v := range ps {
		if v == p {
			return true
		}
	}
	return false
}

func (ps ProductSet) any(products ...Product) bool {
	for _, p := range products {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

// NeedsAOTAggregation reports whether stage 1 estimates an AOT to be merged across scenes.
func (ps ProductSet) NeedsAOTAggregation() bool {
	return ps.any(ProductDDVAOT, ProductDOSAOT, ProductDOSAOTSGL)
}

// NeedsAOTImage reports whether the AOT is estimated per pixel rather than as a scalar.
func (ps ProductSet) NeedsAOTImage() bool {
	return ps.any(ProductDDVAOT, ProductDOSAOT)
}

// NeedsSREF reports whether the surface reflectance stage runs.
func (ps ProductSet) NeedsSREF() bool {
	return ps.Has(ProductSREF)
}

// NeedsMetadata reports whether the metadata export stage runs.
func (ps ProductSet) NeedsMetadata() bool {
	return ps.Has(ProductMETADATA)
}

// NeedsTmpPath reports whether a temporary directory is required.
// DOS needs one only when the simple variant is not used.
func (ps ProductSet) NeedsTmpPath(simpleDOS bool) bool {
	if ps.Has(ProductDOS) && !simpleDOS {
		return true
	}
	return ps.any(ProductDDVAOT, ProductCLOUDS, ProductDOSAOT, ProductDOSAOTSGL, ProductTOPOSHADOW)
}

// NeedsAODMinMax reports whether an AOT search range is required.
func (ps ProductSet) NeedsAODMinMax() bool {
	return ps.NeedsAOTAggregation()
}

// NeedsAOD reports whether an aerosol optical depth input is required.
func (ps ProductSet) NeedsAOD() bool {
	return ps.Has(ProductSREF)
}

// Plan is the set of optional pipeline steps a job list requires.
type Plan struct {
	// Aggregate enables the AOT reduction between stage 1 and stage 2.
	Aggregate bool

	// AOTImage is set when an AOT product is estimated as an image.
	AOTImage bool

	// Stage2 enables the surface reflectance stage.
	Stage2 bool

	// Stage3 enables the metadata export stage.
	Stage3 bool
}

// PlanFor derives the plan from the union of every record's products.
func PlanFor(jobs []JobRecord) Plan {
	var p Plan
	for _, j := range jobs {
		p.Aggregate = p.Aggregate || j.Products.NeedsAOTAggregation()
		p.AOTImage = p.AOTImage || j.Products.NeedsAOTImage()
		p.Stage2 = p.Stage2 || j.Products.NeedsSREF()
		p.Stage3 = p.Stage3 || j.Products.NeedsMetadata()
	}
	return p
}

// Runs reports whether the plan executes stage s.
func (p Plan) Runs(s Stage) bool {
	switch s {
	case Stage1, Stage4:
		return true
	case Stage2:
		return p.Stage2
	case Stage3:
		return p.Stage3
	default:
		return false
	}
}
