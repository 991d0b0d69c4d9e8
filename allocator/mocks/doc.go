// Package mocks contains gomock mocks of the interfaces the allocators consume.
package mocks

//go:generate mockgen -destination mock_provider.go -package mocks github.com/vkngwrapper/bedrock/internal/osmem Provider
//go:generate mockgen -destination mock_allocator.go -package mocks github.com/vkngwrapper/bedrock/allocator BlockAllocator
