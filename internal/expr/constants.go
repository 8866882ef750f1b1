// Copyright 2025 James Ross
package expr

// Constants is the frozen namespace of domain constants visible inside
// expressions, ported from the source pipeline's EASConstants.
var Constants = map[string]float64{
	"day":   1,         // days
	"month": 28,        // days
	"year":  365.25,    // days

	"sun_radius":     695500e3, // metres
	"earth_radius":   6371e3,   // metres
	"jupiter_radius": 71492e3,  // metres
	"phy_AU":         149597870700, // metres

	"Rearth": 0.08911486, // Jupiter radii

	"plato_noise": 0.000315, // PLATO noise in a 25-sec cadence pixel, from PSLS
}

// OpaqueKeys names map keys that the evaluator must never recurse into;
// their value tree is returned verbatim, to be evaluated later once
// their own metadata context exists. task_list defers child
// descriptions to their own expansion; repeat_criterion defers a loop's
// exit test until after the loop body's metadata exists.
var OpaqueKeys = map[string]bool{
	"task_list":        true,
	"task_list_else":   true,
	"repeat_criterion": true,
}
