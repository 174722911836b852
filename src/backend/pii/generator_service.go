package pii

import (
	"math/rand"
	"sync"
	"time"

	"github.com/hannes/piibridge/src/backend/pii/detectors"
	piiGenerators "github.com/hannes/piibridge/src/backend/pii/generators"
)

// GeneratorService hands out per-call random sources and the synthetic
// value generator of each entity type.
type GeneratorService struct {
	mu   sync.Mutex
	seed *rand.Rand
}

// NewGeneratorService creates a new generator service
func NewGeneratorService() *GeneratorService {
	// #nosec G404 - Using math/rand for dummy PII generation, not security-critical
	return &GeneratorService{
		seed: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewGeneratorServiceWithSeed creates a generator with a fixed seed for deterministic output (testing)
func NewGeneratorServiceWithSeed(seed int64) *GeneratorService {
	// #nosec G404 - Using math/rand for dummy PII generation, not security-critical
	return &GeneratorService{
		seed: rand.New(rand.NewSource(seed)),
	}
}

// NewRand returns a random source owned by a single anonymization call.
func (s *GeneratorService) NewRand() *rand.Rand {
	s.mu.Lock()
	seed := s.seed.Int63()
	s.mu.Unlock()
	// #nosec G404 - Using math/rand for dummy PII generation, not security-critical
	return rand.New(rand.NewSource(seed))
}

// GenerateReplacement generates a replacement for the given entity type and original text
func (s *GeneratorService) GenerateReplacement(rng *rand.Rand, entityType, originalText string) string {
	return s.GeneratorFor(entityType)(rng, originalText)
}

// GeneratorFor returns the generator for entityType, or the generic one.
func (s *GeneratorService) GeneratorFor(entityType string) ValueGenerator {
	generators := map[string]ValueGenerator{
		detectors.EntityPerson:       piiGenerators.PersonGenerator,
		detectors.EntityLocation:     piiGenerators.LocationGenerator,
		detectors.EntityNRP:          piiGenerators.NRPGenerator,
		detectors.EntityEmailAddress: piiGenerators.EmailGenerator,
		detectors.EntityPhoneNumber:  piiGenerators.PhoneGenerator,
		detectors.EntityCreditCard:   piiGenerators.CreditCardGenerator,
		detectors.EntityIBANCode:     piiGenerators.IbanGenerator,
		detectors.EntityNumbers:      piiGenerators.NumberGenerator,
		detectors.EntityBloodType:    piiGenerators.BloodTypeGenerator,
	}

	if generator, exists := generators[entityType]; exists {
		return generator
	}

	// Return generic generator for unknown labels
	return piiGenerators.GenericGenerator
}
